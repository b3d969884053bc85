// Package store is the SQLite persistence layer.
//
// One database file holds every tenant's spaces, documents, chunks,
// versions, batches and retrieval-test history. The keyword index and
// the embedding document cache create their own tables against the
// same handle.
package store
