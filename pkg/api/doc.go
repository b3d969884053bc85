// Package api exposes the engine over HTTP: document lifecycle
// endpoints, retrieval testing and evaluation, diagnostics, and the
// SSE assistant forwarder. Tenant identity comes from the X-User-ID
// header; errors map to localized user messages by Accept-Language.
package api
