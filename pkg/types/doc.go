/*
Package types defines the core data model shared across the engine:
knowledge spaces, documents, chunks, versions, batches, query records and
retrieval results.

Ownership follows the ingestion invariants: a space exclusively owns its
documents, a document owns its chunks and versions, and vector points are
keyed by chunk ID in the tenant's collection. For every completed document
the set of vector point IDs equals the set of its chunk IDs.
*/
package types
