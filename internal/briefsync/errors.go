package briefsync

import (
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotImplemented = errors.New("not implemented")
	ErrUnconfigured   = errors.New("not configured")
)

// FailureCode is the machine-readable classification attached to failed
// outcomes and failed jobs. Values are a compatibility surface for the
// worker and must not be renamed once shipped.
type FailureCode string

const (
	FailureProviderUnconfigured FailureCode = "provider_unconfigured"
	FailureProviderAuth         FailureCode = "provider_auth"
	FailureProviderRateLimit    FailureCode = "provider_rate_limit"
	FailureProviderNotFound     FailureCode = "provider_not_found"
	FailureValidation           FailureCode = "validation_failed"
	FailureBatchUnparseable     FailureCode = "batch_unparseable"
	FailureFileNotMapped        FailureCode = "file_not_mapped"
	FailureTransient            FailureCode = "transient"
	FailureUnknown              FailureCode = "unknown"
)

func (c FailureCode) Retryable() bool {
	return c == FailureProviderRateLimit || c == FailureTransient
}

// ClassifyFailure buckets a failure message into the taxonomy by substring
// and status-code inspection. The upstream SDKs surface plain strings, so a
// heuristic match is all that is available.
func ClassifyFailure(message string) FailureCode {
	normalized := strings.ToLower(strings.TrimSpace(message))
	if normalized == "" {
		return FailureUnknown
	}
	switch {
	case containsAny(normalized, "unconfigured", "not configured", "missing token", "missing api key", "no credentials"):
		return FailureProviderUnconfigured
	case containsAny(normalized, "unauthorized", "forbidden", "invalid token", "status=401", "status=403", "401", "403"):
		return FailureProviderAuth
	case containsAny(normalized, "rate limit", "too many requests", "status=429", "429"):
		return FailureProviderRateLimit
	case containsAny(normalized, "not found", "status=404", "404"):
		return FailureProviderNotFound
	case containsAny(normalized, "batch_unparseable", "unparseable batch"):
		return FailureBatchUnparseable
	case containsAny(normalized, "file_not_mapped", "no file mapped"):
		return FailureFileNotMapped
	case containsAny(normalized, "validation", "invalid input", "invalid body"):
		return FailureValidation
	case containsAny(normalized, "timeout", "timed out", "temporar", "connection refused", "connection reset", "status=500", "status=502", "status=503", "503", "unavailable", "eof"):
		return FailureTransient
	default:
		return FailureUnknown
	}
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
