package scheduler

import (
	"hash/fnv"
	"strconv"
	"time"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 60 * time.Second
)

// Backoff computes retry delays: exponential growth from Base, capped at
// Max, plus jitter derived from the retry key. Hashed jitter keeps
// concurrent waiters spread out without sharing a random source, and makes
// every delay reproducible for a given key and attempt.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if max < base {
		max = base
	}
	return Backoff{Base: base, Max: max}
}

// Delay returns the pause before retry number attempt (0-based). The
// pre-jitter value doubles per attempt and never exceeds Max; jitter adds at
// most half of it, and the final delay is clamped to Max as well.
func (b Backoff) Delay(key string, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= b.Max {
			base = b.Max
			break
		}
	}

	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key + ":" + strconv.Itoa(attempt)))
	jitter := time.Duration(h.Sum64() % uint64(jitterMax))

	delay := base + jitter
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// DelayOrHint prefers a provider Retry-After style hint over the computed
// delay. Hints come straight from the backend and know when capacity
// actually returns.
func (b Backoff) DelayOrHint(key string, attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	return b.Delay(key, attempt)
}
