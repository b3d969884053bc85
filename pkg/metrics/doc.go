/*
Package metrics exposes prometheus instrumentation for the engine.

Counters and histograms cover the ingestion pipeline (per-stage
durations, terminal statuses), retrieval (per-stage durations, request
methods), provider calls (alias/vendor/outcome, token usage), rate
limiting (rejections, degraded-mode gauge), caches, SSE streaming and
the background job runner. Everything registers with the default
registry at init; Handler serves /metrics.
*/
package metrics
