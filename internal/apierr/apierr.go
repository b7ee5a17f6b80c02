// Package apierr defines the error taxonomy shared by every gateway component.
//
// DESIGN: Components translate their failures into a *Error carrying a Kind
// before returning to the run orchestrator. Raw provider payloads never leave
// the adapter layer; only Kind + Message reach clients and run records.
//
// Kinds map onto HTTP statuses through HTTPStatus and onto retry decisions
// through Retryable.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	VersionNotFound         Kind = "version_not_found"
	SchemaMismatch          Kind = "schema_mismatch"
	TemplateVariableMissing Kind = "template_variable_missing"
	UnsupportedContentType  Kind = "unsupported_content_type"
	ProviderInvalidRequest  Kind = "provider_invalid_request"
	ProviderRateLimited     Kind = "provider_rate_limited"
	ProviderUnavailable     Kind = "provider_unavailable"
	ContextLengthExceeded   Kind = "context_length_exceeded"
	ToolLoopExceeded        Kind = "tool_loop_exceeded"
	ClientCancelled         Kind = "client_cancelled"
	CacheUnavailable        Kind = "cache_unavailable"

	InvalidRequest   Kind = "invalid_request"
	CacheMiss        Kind = "cache_miss"
	RunTimeout       Kind = "run_timeout"
	FailedGeneration Kind = "failed_generation"
	ContentFiltered  Kind = "content_filtered"
	RunNotFound      Kind = "run_not_found"
	Internal         Kind = "internal_error"
)

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Provider and StatusCode are set when the error originates upstream.
	Provider   string
	StatusCode int
	// RetryAfter is the upstream hint for rate limited responses.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it as the cause.
func Wrap(kind Kind, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err. Context errors map to ClientCancelled and
// RunTimeout; anything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ClientCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RunTimeout
	}
	return Internal
}

// Classify returns err as a *Error, classifying it with KindOf when needed.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(KindOf(err), err, "")
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a provider call that failed with err may be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ProviderRateLimited, ProviderUnavailable:
		return true
	default:
		return false
	}
}

// StatusClientClosedRequest is the non-standard status for client disconnects.
const StatusClientClosedRequest = 499

// HTTPStatus maps a kind to the HTTP status returned to clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case VersionNotFound, CacheMiss, RunNotFound:
		return http.StatusNotFound
	case SchemaMismatch:
		return http.StatusConflict
	case TemplateVariableMissing, UnsupportedContentType, ProviderInvalidRequest,
		ContextLengthExceeded, InvalidRequest:
		return http.StatusBadRequest
	case ProviderRateLimited:
		return http.StatusTooManyRequests
	case ProviderUnavailable, CacheUnavailable:
		return http.StatusServiceUnavailable
	case ToolLoopExceeded, FailedGeneration:
		return http.StatusBadGateway
	case ContentFiltered:
		return http.StatusUnprocessableEntity
	case ClientCancelled:
		return StatusClientClosedRequest
	case RunTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus classifies an upstream HTTP status. Body is the (truncated)
// upstream message used to detect context window overflows.
func FromStatus(provider string, status int, body string) *Error {
	e := &Error{Provider: provider, StatusCode: status, Message: fmt.Sprintf("%s returned status %d", provider, status)}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = ProviderRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		e.Kind = ProviderUnavailable
	case isContextLengthMessage(body):
		e.Kind = ContextLengthExceeded
		e.Message = fmt.Sprintf("%s: input exceeds the model context window; lower max_tokens or pick a model with a larger context window", provider)
	case status >= 400:
		e.Kind = ProviderInvalidRequest
		if body != "" {
			e.Message = fmt.Sprintf("%s rejected the request: %s", provider, body)
		}
	default:
		e.Kind = Internal
	}
	return e
}
