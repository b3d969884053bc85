// Package ingest drives the document lifecycle: upload admission,
// the extract-clean-chunk-embed-index pipeline, partial reindex with
// positional chunk diffing, version snapshots with rollback, and batch
// uploads.
//
// Chunk rows and vector points are written together: chunk inserts run
// in a transaction that only commits after the vector write succeeds,
// and a commit failure after a successful vector write deletes the
// just-written points again.
package ingest
