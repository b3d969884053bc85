// Package retrieval implements hybrid search over a tenant's indexed
// chunks: dense and keyword candidates gathered in parallel, score
// merging with configurable weights, optional model reranking, and
// the retrieval-testing surface (query records, quality metrics,
// index drift diagnostics).
package retrieval
