// Package provider fronts the model vendors behind logical aliases.
//
// A single Gateway exposes embedding, chat (with streaming), rerank and
// OCR over OpenAI-compatible vendor endpoints. Aliases with multiple
// routes select through the rate limiter's balancer; throttling and
// transient failures may re-select a different route once, arrearage
// and invalid-key failures never retry. All embedding output is
// L2-normalized before leaving the package.
package provider
