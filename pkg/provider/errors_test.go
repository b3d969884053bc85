package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"github.com/classmind/kbengine/pkg/errdefs"
)

func apiErr(status int, code, msg string) error {
	return &openai.APIError{HTTPStatusCode: status, Code: code, Message: msg}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"throttle 429", apiErr(429, "", "rate limit"), ErrThrottling},
		{"invalid key 401", apiErr(401, "", "unauthorized"), ErrInvalidKey},
		{"invalid key code", apiErr(400, "invalid_api_key", ""), ErrInvalidKey},
		{"arrearage 402", apiErr(402, "", ""), ErrArrearage},
		{"arrearage code", apiErr(400, "Arrearage", "account in arrears"), ErrArrearage},
		{"insufficient quota", apiErr(429, "insufficient_quota", ""), ErrArrearage},
		{"bad request", apiErr(400, "", "bad input"), ErrBadRequest},
		{"server error", apiErr(503, "", ""), ErrTransient},
		{"timeout 408", apiErr(408, "", ""), ErrTimeout},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"conn refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrTransient},
		{"rerank 429", httpStatusError(429, []byte("slow down")), ErrThrottling},
		{"opaque", fmt.Errorf("something odd"), ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, ErrThrottling.Retryable())
	assert.True(t, ErrTransient.Retryable())
	assert.True(t, ErrTimeout.Retryable())
	assert.False(t, ErrArrearage.Retryable())
	assert.False(t, ErrInvalidKey.Retryable())
	assert.False(t, ErrBadRequest.Retryable())
}

func TestAsEngineError(t *testing.T) {
	err := asEngineError(ErrArrearage, "dashscope", apiErr(402, "", ""))
	assert.Equal(t, errdefs.KindProviderArrearage, errdefs.KindOf(err))
	assert.False(t, errdefs.IsRetryable(err))

	err = asEngineError(ErrThrottling, "dashscope", apiErr(429, "", ""))
	assert.Equal(t, errdefs.KindProviderThrottled, errdefs.KindOf(err))
	assert.True(t, errdefs.IsRetryable(err))

	err = asEngineError(ErrTimeout, "moonshot", context.DeadlineExceeded)
	assert.Equal(t, errdefs.KindProviderTransient, errdefs.KindOf(err))
	assert.True(t, errdefs.IsRetryable(err))
}
