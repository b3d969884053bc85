package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error for propagation and HTTP mapping
type Kind string

const (
	KindQuotaExceeded      Kind = "QuotaExceeded"
	KindFileTooLarge       Kind = "FileTooLarge"
	KindUnsupportedType    Kind = "UnsupportedType"
	KindTypeMismatch       Kind = "TypeMismatch"
	KindExtractionFailed   Kind = "ExtractionFailed"
	KindChunkingFailed     Kind = "ChunkingFailed"
	KindEmbedInvalidVector Kind = "EmbedInvalidVector"
	KindProviderArrearage  Kind = "ProviderArrearage"
	KindProviderInvalidKey Kind = "ProviderInvalidKey"
	KindProviderThrottled  Kind = "ProviderThrottled"
	KindProviderTransient  Kind = "ProviderTransient"
	KindRateLimited        Kind = "RateLimited"
	KindStoreWriteFailed   Kind = "StoreWriteFailed"
	KindNotFound           Kind = "NotFound"
	KindForbidden          Kind = "Forbidden"
	KindConflict           Kind = "Conflict"
	KindInternal           Kind = "Internal"
)

// Error is the engine error type. Message is operator-facing; the
// localized user message is resolved from Kind at the HTTP boundary.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so errors.Is(err, errdefs.E(kind, "")) works
// against sentinel comparisons by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E constructs an Error with the kind's default retryability.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
	}
}

// Wrap constructs an Error around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := E(kind, format, args...)
	e.cause = cause
	return e
}

// WithRetryable overrides the default retryability.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindProviderThrottled, KindProviderTransient, KindRateLimited, KindStoreWriteFailed:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind from any error, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error is worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedType, KindTypeMismatch:
		return http.StatusUnsupportedMediaType
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindEmbedInvalidVector, KindExtractionFailed, KindChunkingFailed:
		return http.StatusUnprocessableEntity
	case KindProviderThrottled, KindProviderTransient, KindProviderArrearage, KindProviderInvalidKey:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// userMessages holds the localized user-facing message per kind.
// Keyed by kind then language ("en", "zh").
var userMessages = map[Kind]map[string]string{
	KindQuotaExceeded: {
		"en": "Document limit reached. Delete a document before uploading a new one.",
		"zh": "文档数量已达上限，请先删除旧文档再上传。",
	},
	KindFileTooLarge: {
		"en": "The file exceeds the maximum allowed size.",
		"zh": "文件大小超出限制。",
	},
	KindUnsupportedType: {
		"en": "This file type is not supported.",
		"zh": "不支持的文件类型。",
	},
	KindTypeMismatch: {
		"en": "The file content does not match its declared type.",
		"zh": "文件内容与声明的类型不符。",
	},
	KindExtractionFailed: {
		"en": "Text could not be extracted from the file.",
		"zh": "无法从文件中提取文本。",
	},
	KindChunkingFailed: {
		"en": "The document could not be split into chunks.",
		"zh": "文档分段失败。",
	},
	KindEmbedInvalidVector: {
		"en": "The embedding service returned an invalid vector.",
		"zh": "向量化服务返回了无效向量。",
	},
	KindRateLimited: {
		"en": "Too many requests. Please try again later.",
		"zh": "请求过于频繁，请稍后再试。",
	},
	KindNotFound: {
		"en": "The requested resource was not found.",
		"zh": "未找到请求的资源。",
	},
	KindForbidden: {
		"en": "You do not have access to this resource.",
		"zh": "您无权访问该资源。",
	},
	KindConflict: {
		"en": "A resource with the same name already exists.",
		"zh": "同名资源已存在。",
	},
}

// UserMessage returns the localized message for the error. lang is an
// ISO 639-1 code; anything other than "zh" falls back to English.
func UserMessage(err error, lang string) string {
	kind := KindOf(err)
	msgs, ok := userMessages[kind]
	if !ok {
		if lang == "zh" {
			return "服务内部错误，请稍后再试。"
		}
		return "An internal error occurred. Please try again later."
	}
	if lang != "zh" {
		lang = "en"
	}
	return msgs[lang]
}
