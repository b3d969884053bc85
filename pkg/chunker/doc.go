// Package chunker splits cleaned document text into indexable chunks.
//
// Two engines are available: semchunk, a local token-aware splitter
// that prefers paragraph and sentence boundaries, and mindchunk, which
// asks an LLM to propose semantic boundaries and falls back to semchunk
// when the model is unavailable. Chunk character ranges always tile the
// source text; the configured token overlap appears only in the chunk
// text, borrowed from the previous chunk's tail.
package chunker
