// Package ratelimit implements sliding-window request and token budgets for
// provider accounts. Windows are charged with explicit timestamps so usage
// is deterministic under test and under replay.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultSpan is the interval both RPM and TPM windows slide over.
const DefaultSpan = time.Minute

type entry struct {
	at time.Time
	n  int64
}

// Window counts charges inside a sliding interval. Charges are never
// rejected; limits are advisory and read back via Limited/Remaining. This
// matters for token usage, which is only known after a response and may
// overshoot the budget.
type Window struct {
	mu      sync.Mutex
	span    time.Duration
	limit   int64
	entries []entry
	total   int64
}

func NewWindow(limit int64, span time.Duration) *Window {
	if span <= 0 {
		span = DefaultSpan
	}
	return &Window{span: span, limit: limit}
}

// Limit returns the configured budget for the window.
func (w *Window) Limit() int64 {
	return w.limit
}

// Charge records n units at the given time.
func (w *Window) Charge(now time.Time, n int64) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.entries = append(w.entries, entry{at: now, n: n})
	w.total += n
}

// Used returns the units charged inside the window ending at now.
func (w *Window) Used(now time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return w.total
}

// Remaining returns the unused budget, clamped at zero when usage overshot.
func (w *Window) Remaining(now time.Time) int64 {
	used := w.Used(now)
	if used >= w.limit {
		return 0
	}
	return w.limit - used
}

// Limited reports whether the budget is exhausted at now.
func (w *Window) Limited(now time.Time) bool {
	return w.Used(now) >= w.limit
}

// RetryIn returns how long until the oldest charge leaves the window,
// freeing capacity. Zero when the window is not limited.
func (w *Window) RetryIn(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	if w.total < w.limit || len(w.entries) == 0 {
		return 0
	}
	return w.entries[0].at.Add(w.span).Sub(now)
}

// prune drops entries that slid out of the window. Callers hold w.mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		w.total -= w.entries[i].n
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// Usage is a point-in-time view of an account's budgets.
type Usage struct {
	RPMUsed      int64 `json:"rpm_used"`
	RPMLimit     int64 `json:"rpm_limit"`
	RPMRemaining int64 `json:"rpm_remaining"`
	TPMUsed      int64 `json:"tpm_used"`
	TPMLimit     int64 `json:"tpm_limit"`
	TPMRemaining int64 `json:"tpm_remaining"`
	Limited      bool  `json:"limited"`
}

// AccountLimiter pairs the two budgets of one provider account. Requests
// are charged at dispatch time; tokens are charged when the response
// reports actual usage.
type AccountLimiter struct {
	rpm *Window
	tpm *Window
}

func NewAccountLimiter(rpmLimit, tpmLimit int64) *AccountLimiter {
	return &AccountLimiter{
		rpm: NewWindow(rpmLimit, DefaultSpan),
		tpm: NewWindow(tpmLimit, DefaultSpan),
	}
}

// ChargeRequest records one request at dispatch.
func (l *AccountLimiter) ChargeRequest(now time.Time) {
	l.rpm.Charge(now, 1)
}

// ChargeTokens records token usage reported by a completed response.
func (l *AccountLimiter) ChargeTokens(now time.Time, tokens int64) {
	l.tpm.Charge(now, tokens)
}

// Limited reports whether either budget is exhausted.
func (l *AccountLimiter) Limited(now time.Time) bool {
	return l.rpm.Limited(now) || l.tpm.Limited(now)
}

// RemainingRPM returns unused request budget, clamped at zero.
func (l *AccountLimiter) RemainingRPM(now time.Time) int64 {
	return l.rpm.Remaining(now)
}

// RemainingTPM returns unused token budget, clamped at zero.
func (l *AccountLimiter) RemainingTPM(now time.Time) int64 {
	return l.tpm.Remaining(now)
}

// RetryIn returns how long until the tighter budget frees capacity.
func (l *AccountLimiter) RetryIn(now time.Time) time.Duration {
	r := l.rpm.RetryIn(now)
	if t := l.tpm.RetryIn(now); t > r {
		r = t
	}
	return r
}

// Snapshot captures both budgets for status reporting.
func (l *AccountLimiter) Snapshot(now time.Time) Usage {
	return Usage{
		RPMUsed:      l.rpm.Used(now),
		RPMLimit:     l.rpm.Limit(),
		RPMRemaining: l.rpm.Remaining(now),
		TPMUsed:      l.tpm.Used(now),
		TPMLimit:     l.tpm.Limit(),
		TPMRemaining: l.tpm.Remaining(now),
		Limited:      l.Limited(now),
	}
}
