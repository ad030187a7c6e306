package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoRoutes          = errors.New("no routes available")
	ErrAllRoutesFailed   = errors.New("all routes failed")
	ErrUpstreamError     = errors.New("upstream error")
	ErrFormatConversion  = errors.New("format conversion error")
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// ErrorKind classifies a failure for fallback and propagation decisions.
type ErrorKind string

const (
	// The client sent something structurally unfixable. Never advances
	// the chain.
	KindClientRequestInvalid ErrorKind = "client_request_invalid"

	// Credential refresh failed or upstream returned 401/403.
	KindUnauthenticatedUpstream ErrorKind = "unauthenticated_upstream"

	// 429 or quota lockout. Advances the chain and suspends the backend.
	KindQuotaExhausted ErrorKind = "quota_exhausted"

	// 5xx, network error, timeout. Advances the chain.
	KindTransientUpstream ErrorKind = "transient_upstream"

	// Upstream rejected a thought signature. Triggers one re-sanitized
	// retry with thinking disabled before advancing.
	KindInvalidSignatureRejected ErrorKind = "invalid_signature_rejected"

	// A tool_use / tool_result pairing could not be repaired.
	KindToolChainBroken ErrorKind = "tool_chain_broken"

	// No usable backend or credential for the requested model.
	KindConfigMissing ErrorKind = "config_missing"

	// Invariant violation inside the gateway.
	KindInternalBug ErrorKind = "internal_bug"
)

// ProxyError represents an error during proxy execution.
type ProxyError struct {
	Err       error
	Kind      ErrorKind
	Retryable bool
	Message   string

	// HTTP status from the upstream, 0 if the failure never reached one.
	StatusCode int

	// Suspension hint parsed from upstream RetryInfo, 0 when absent.
	RetryAfter time.Duration
}

func (e *ProxyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

func NewProxyError(err error, kind ErrorKind, retryable bool) *ProxyError {
	return &ProxyError{Err: err, Kind: kind, Retryable: retryable}
}

func NewProxyErrorWithMessage(err error, kind ErrorKind, retryable bool, msg string) *ProxyError {
	return &ProxyError{Err: err, Kind: kind, Retryable: retryable, Message: msg}
}

// KindOf extracts the error kind, defaulting to internal_bug for errors
// that never went through classification.
func KindOf(err error) ErrorKind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternalBug
}

// IsRetryable reports whether the chain may advance past this error.
func IsRetryable(err error) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
