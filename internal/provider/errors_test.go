package provider

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassPermanent},
		{"typed rate limit", &RateLimitedError{Provider: Anthropic}, ClassRateLimited},
		{"wrapped typed", fmt.Errorf("send: %w", &RateLimitedError{Provider: OpenAI}), ClassRateLimited},
		{"429 text", errors.New("HTTP 429 Too Many Requests"), ClassRateLimited},
		{"quota text", errors.New("quota exceeded for model"), ClassRateLimited},
		{"overloaded", errors.New("anthropic: overloaded_error"), ClassRateLimited},
		{"timeout", errors.New("context deadline exceeded"), ClassTransient},
		{"connection refused", errors.New("dial tcp: connection refused"), ClassTransient},
		{"503", errors.New("upstream returned 503"), ClassTransient},
		{"bad request", errors.New("invalid model id"), ClassPermanent},
		{"auth failure", errors.New("401 unauthorized"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"nil", nil, 0},
		{"typed", &RateLimitedError{Provider: Anthropic, RetryAfter: 30 * time.Second}, 30 * time.Second},
		{"text seconds", errors.New("rate limited, retry after 12s"), 12 * time.Second},
		{"header style", errors.New("429: Retry-After: 45"), 45 * time.Second},
		{"milliseconds", errors.New("retry_after 2500 ms"), 2500 * time.Millisecond},
		{"minutes", errors.New("retry after 2 minutes"), 2 * time.Minute},
		{"no hint", errors.New("too many requests"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryAfterHint(tt.err); got != tt.want {
				t.Errorf("RetryAfterHint(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRateLimitedErrorMessage(t *testing.T) {
	err := &RateLimitedError{Provider: Google, RetryAfter: 5 * time.Second}
	if got := err.Error(); got != "provider google rate limited, retry after 5s" {
		t.Fatalf("unexpected message: %q", got)
	}
	bare := &RateLimitedError{Provider: Google}
	if got := bare.Error(); got != "provider google rate limited" {
		t.Fatalf("unexpected bare message: %q", got)
	}
}
