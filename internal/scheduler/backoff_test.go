package scheduler

import (
	"testing"
	"time"
)

func TestBackoffDelayNonDecreasingAndCapped(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 2*time.Second)
	var prev time.Duration
	for attempt := 0; attempt <= 10; attempt++ {
		d := b.Delay("task-1", attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > b.Max {
			t.Fatalf("delay %s exceeds max %s at attempt %d", d, b.Max, attempt)
		}
		prev = d
	}
	if prev != b.Max {
		t.Fatalf("late attempts must saturate at max, got %s", prev)
	}
}

func TestBackoffDelayDeterministicPerKey(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Minute)
	if b.Delay("k", 3) != b.Delay("k", 3) {
		t.Fatal("same key and attempt must produce the same delay")
	}
	d := b.Delay("k", 0)
	if d < b.Base || d > b.Base+b.Base/2 {
		t.Fatalf("attempt 0 delay %s outside [base, base*1.5]", d)
	}
}

func TestBackoffDelayJitterSpreadsKeys(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Minute)
	seen := make(map[time.Duration]bool)
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[b.Delay(key, 2)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("jitter produced a single delay for every key: %v", seen)
	}
}

func TestBackoffDelayOrHint(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Minute)
	if got := b.DelayOrHint("k", 0, 7*time.Second); got != 7*time.Second {
		t.Fatalf("hint must win, got %s", got)
	}
	if got := b.DelayOrHint("k", 0, 0); got < b.Base {
		t.Fatalf("no hint must fall back to computed delay, got %s", got)
	}
}

func TestNewBackoffNormalizes(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Base != defaultBackoffBase || b.Max != defaultBackoffMax {
		t.Fatalf("zero config must use defaults, got %+v", b)
	}
	b = NewBackoff(time.Minute, time.Second)
	if b.Max != time.Minute {
		t.Fatalf("max below base must be raised, got %+v", b)
	}
}
