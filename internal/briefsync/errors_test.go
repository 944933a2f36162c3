package briefsync

import "testing"

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		message string
		want    FailureCode
	}{
		{"", FailureUnknown},
		{"board token not configured", FailureProviderUnconfigured},
		{"request failed: status=401 unauthorized", FailureProviderAuth},
		{"Forbidden", FailureProviderAuth},
		{"status=429 too many requests", FailureProviderRateLimit},
		{"item not found", FailureProviderNotFound},
		{"unparseable batch label", FailureBatchUnparseable},
		{"validation failed on payload", FailureValidation},
		{"dial tcp: connection refused", FailureTransient},
		{"context deadline exceeded: timeout", FailureTransient},
		{"status=503 service unavailable", FailureTransient},
		{"something novel broke", FailureUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.message); got != tc.want {
			t.Errorf("ClassifyFailure(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !FailureProviderRateLimit.Retryable() || !FailureTransient.Retryable() {
		t.Fatal("rate limit and transient failures must be retryable")
	}
	for _, code := range []FailureCode{FailureProviderAuth, FailureValidation, FailureBatchUnparseable, FailureUnknown} {
		if code.Retryable() {
			t.Errorf("%q should not be retryable", code)
		}
	}
}
