package provider

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrRunnerPaused is returned by Send while a runner is paused.
var ErrRunnerPaused = errors.New("runner paused")

// ErrRunnerStopped is returned by Send after a runner has been stopped.
var ErrRunnerStopped = errors.New("runner stopped")

// RateLimitedError reports that a backend rejected a turn for capacity
// reasons. RetryAfter is the backend's hint when it gave one, zero otherwise.
type RateLimitedError struct {
	Provider   Provider
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s rate limited", e.Provider)
}

// Class buckets provider errors by how the scheduler should react.
type Class int

const (
	// ClassPermanent errors are surfaced to the caller without retry.
	ClassPermanent Class = iota
	// ClassTransient errors are retried on the same provider with backoff.
	ClassTransient
	// ClassRateLimited errors block the account and trigger rotation or
	// fallback.
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "permanent"
	}
}

var rateLimitMarkers = []string{
	"rate limit", "ratelimit", "too many requests", "429",
	"quota exceeded", "quota_exceeded", "overloaded", "capacity",
}

var transientMarkers = []string{
	"timeout", "timed out", "deadline exceeded",
	"connection refused", "connection reset",
	"eof", "broken pipe",
	"http 5", "status 5", "500", "502", "503", "504",
	"temporarily unavailable", "service unavailable",
}

// Classify buckets an error from a runner.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	lower := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return ClassRateLimited
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// retryAfterPattern matches hints like "retry after 30s", "retry-after: 12",
// or "retry_after_ms: 2500" in provider error text.
var retryAfterPattern = regexp.MustCompile(`(?i)retry[-_ ]?after[^0-9]{0,4}(\d+)\s*(ms|s|sec|seconds?|m|min|minutes?)?`)

// RetryAfterHint extracts a backend retry hint from an error. Returns zero
// when the error carries none.
func RetryAfterHint(err error) time.Duration {
	if err == nil {
		return 0
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	n, convErr := strconv.Atoi(m[1])
	if convErr != nil || n <= 0 {
		return 0
	}
	switch {
	case m[2] == "ms":
		return time.Duration(n) * time.Millisecond
	case strings.HasPrefix(m[2], "m"):
		return time.Duration(n) * time.Minute
	default:
		// Bare numbers follow the Retry-After header convention: seconds.
		return time.Duration(n) * time.Second
	}
}
