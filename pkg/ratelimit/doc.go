// Package ratelimit enforces request limits and selects provider
// routes.
//
// Per-minute limits count in a fixed 60 second window backed by Redis
// so every worker shares state; a Redis outage degrades to
// process-local counters with a single log line per transition.
// Concurrency limits use weighted semaphores. The Balancer implements
// round_robin, random and weighted route selection with weights
// normalized to sum to 100.
package ratelimit
