/*
Package log provides structured logging for the knowledge-base engine using
zerolog.

The package wraps zerolog with a global logger, configurable level and
output format, and child-logger helpers that stamp the context fields used
across the codebase (component, tenant, document, job).

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	ingestLog := log.WithComponent("ingest")
	ingestLog.Info().
		Str("document_id", doc.ID).
		Int("chunks", n).
		Msg("document indexed")

JSON output is intended for production; console output for development.
Never log document text or provider API keys.
*/
package log
