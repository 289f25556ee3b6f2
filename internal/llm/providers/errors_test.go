package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureReason
	}{
		{"timeout", errors.New("context deadline exceeded"), ReasonTimeout},
		{"rate limit", errors.New("429 Too Many Requests"), ReasonRateLimit},
		{"auth", errors.New("invalid api key"), ReasonAuth},
		{"model missing", errors.New("model not found"), ReasonModelUnavailable},
		{"server", errors.New("internal server error"), ReasonServerError},
		{"unknown", errors.New("something odd"), ReasonUnknown},
		{"nil", nil, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", errors.New("nope")).WithStatus(429)
	if err.Reason != ReasonRateLimit {
		t.Errorf("reason = %s, want rate_limit", err.Reason)
	}
	if !IsRetryable(err) {
		t.Error("429 must be retryable")
	}

	err = err.WithStatus(401)
	if err.Reason != ReasonAuth || IsRetryable(err) {
		t.Errorf("401 must be non-retryable auth, got %s", err.Reason)
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewProviderError("ollama", "llama3", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	wrapped := fmt.Errorf("node a: %w", err)
	if perr, ok := GetProviderError(wrapped); !ok || perr.Provider != "ollama" {
		t.Errorf("GetProviderError through wrap = %v, %v", perr, ok)
	}
}

func TestProviderErrorString(t *testing.T) {
	err := NewProviderError("anthropic", "claude-3-5-haiku-20241022", errors.New("boom")).WithStatus(500)
	msg := err.Error()
	for _, want := range []string{"anthropic", "model=claude-3-5-haiku-20241022", "status=500", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
