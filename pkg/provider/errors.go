package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/classmind/kbengine/pkg/errdefs"
)

// Vendor error code strings that map to an arrearage. DashScope and
// Volcengine both spell this several ways.
var arrearageCodes = []string{
	"arrearage", "insufficient_quota", "account_overdue", "quota_exhausted",
}

var invalidKeyCodes = []string{
	"invalid_api_key", "invalid_api-key", "authentication_error", "access_denied",
}

// Classify folds a vendor error into an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTP(apiErr.HTTPStatusCode, codeString(apiErr.Code), apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyHTTP(reqErr.HTTPStatusCode, "", reqErr.Error())
	}
	var rerankErr *rerankHTTPError
	if errors.As(err, &rerankErr) {
		return classifyHTTP(rerankErr.status, "", rerankErr.body)
	}

	// Connection-level failures with no HTTP response are transient.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrTransient
	}
	return ErrUnknown
}

func classifyHTTP(status int, code, message string) ErrorKind {
	lowered := strings.ToLower(code + " " + message)
	for _, c := range arrearageCodes {
		if strings.Contains(lowered, c) {
			return ErrArrearage
		}
	}
	for _, c := range invalidKeyCodes {
		if strings.Contains(lowered, c) {
			return ErrInvalidKey
		}
	}

	switch {
	case status == 401 || status == 403:
		return ErrInvalidKey
	case status == 402:
		return ErrArrearage
	case status == 429:
		return ErrThrottling
	case status == 408:
		return ErrTimeout
	case status >= 400 && status < 500:
		return ErrBadRequest
	case status >= 500:
		return ErrTransient
	}
	return ErrUnknown
}

func codeString(code any) string {
	if s, ok := code.(string); ok {
		return s
	}
	return ""
}

// asEngineError converts a classified vendor failure into the engine
// error the HTTP layer and retry policies understand.
func asEngineError(kind ErrorKind, vendor string, err error) error {
	var dk errdefs.Kind
	switch kind {
	case ErrArrearage:
		dk = errdefs.KindProviderArrearage
	case ErrInvalidKey:
		dk = errdefs.KindProviderInvalidKey
	case ErrThrottling:
		dk = errdefs.KindProviderThrottled
	case ErrTimeout, ErrTransient:
		dk = errdefs.KindProviderTransient
	case ErrBadRequest:
		dk = errdefs.KindInternal
	default:
		dk = errdefs.KindInternal
	}
	return errdefs.Wrap(dk, err, "provider %s: %s", vendor, kind).
		WithRetryable(kind.Retryable())
}
