package store

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_spaces (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL UNIQUE,
	cleaning_rule TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id                 TEXT PRIMARY KEY,
	space_id           TEXT NOT NULL REFERENCES knowledge_spaces(id) ON DELETE CASCADE,
	user_id            TEXT NOT NULL,
	file_name          TEXT NOT NULL,
	file_type          TEXT NOT NULL,
	file_size          INTEGER NOT NULL,
	file_path          TEXT NOT NULL,
	status             TEXT NOT NULL,
	progress_stage     TEXT NOT NULL DEFAULT '',
	progress_percent   INTEGER NOT NULL DEFAULT 0,
	chunk_count        INTEGER NOT NULL DEFAULT 0,
	content_hash       TEXT NOT NULL DEFAULT '',
	version            INTEGER NOT NULL DEFAULT 1,
	language           TEXT NOT NULL DEFAULT '',
	category           TEXT NOT NULL DEFAULT '',
	tags               TEXT NOT NULL DEFAULT '[]',
	extracted_metadata TEXT NOT NULL DEFAULT '{}',
	error_message      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	UNIQUE (space_id, file_name)
);
CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);
CREATE INDEX IF NOT EXISTS idx_documents_space_status ON documents(space_id, status);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	text        TEXT NOT NULL,
	start_char  INTEGER NOT NULL,
	end_char    INTEGER NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL,
	UNIQUE (document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS document_versions (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	version_number INTEGER NOT NULL,
	file_path      TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	chunk_count    INTEGER NOT NULL DEFAULT 0,
	change_summary TEXT,
	created_at     TIMESTAMP NOT NULL,
	UNIQUE (document_id, version_number)
);

CREATE TABLE IF NOT EXISTS batches (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	total        INTEGER NOT NULL,
	completed    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	document_ids TEXT NOT NULL DEFAULT '[]',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS query_records (
	id              TEXT PRIMARY KEY,
	space_id        TEXT NOT NULL REFERENCES knowledge_spaces(id) ON DELETE CASCADE,
	query           TEXT NOT NULL,
	method          TEXT NOT NULL,
	top_k           INTEGER NOT NULL,
	score_threshold REAL NOT NULL DEFAULT 0,
	result_count    INTEGER NOT NULL DEFAULT 0,
	embedding_ms    INTEGER NOT NULL DEFAULT 0,
	search_ms       INTEGER NOT NULL DEFAULT 0,
	rerank_ms       INTEGER NOT NULL DEFAULT 0,
	total_ms        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_records_space ON query_records(space_id, created_at);

CREATE TABLE IF NOT EXISTS eval_datasets (
	id         TEXT PRIMARY KEY,
	space_id   TEXT NOT NULL REFERENCES knowledge_spaces(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	queries    TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	org_id          TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	endpoint        TEXT NOT NULL,
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	total_tokens    INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id, created_at);

CREATE TABLE IF NOT EXISTS feedback (
	id                TEXT PRIMARY KEY,
	query_id          TEXT NOT NULL REFERENCES query_records(id) ON DELETE CASCADE,
	rating            TEXT NOT NULL,
	score             INTEGER NOT NULL DEFAULT 0,
	relevant_chunks   TEXT NOT NULL DEFAULT '[]',
	irrelevant_chunks TEXT NOT NULL DEFAULT '[]',
	created_at        TIMESTAMP NOT NULL
);
`
