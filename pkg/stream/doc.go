// Package stream relays server-sent events to clients: upstream SSE
// bodies are forwarded chunk by chunk with usage capture and a
// guaranteed terminator, and provider chat streams are framed as
// message events.
package stream
