// Package vectorstore adapts Qdrant to the engine's per-tenant
// collection model. Every tenant gets one collection (cosine metric,
// optional int8 scalar quantization); point ids are chunk ids, so the
// relational store and the vector store key identically.
package vectorstore
