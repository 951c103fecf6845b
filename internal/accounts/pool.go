// Package accounts owns the provider account pool: which credentialed
// handles exist, how much of their rate budget is spent, and which one the
// scheduler should use next. Only the scheduler and policy layers mutate
// pool state.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/provider"
	"github.com/crewline/crewd/internal/ratelimit"
)

// ErrNoAvailableAccount is the sentinel for an empty candidate set. This is
// a normal, recoverable condition: the scheduler reacts with fallback and
// backoff, not failure.
var ErrNoAvailableAccount = errors.New("no available account")

// NoAccountError carries the provider that had no capacity and a hint for
// when capacity should return.
type NoAccountError struct {
	Provider provider.Provider
	RetryIn  time.Duration
}

func (e *NoAccountError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("no available account for provider %s, retry in %s", e.Provider, e.RetryIn)
	}
	return fmt.Sprintf("no available account for provider %s", e.Provider)
}

func (e *NoAccountError) Is(target error) bool {
	return target == ErrNoAvailableAccount
}

// Account pairs configured identity with live usage state. The credential
// stays in the operator's vault; only VaultRef travels through here.
type Account struct {
	ID       string
	Provider provider.Provider
	VaultRef string
	Limiter  *ratelimit.AccountLimiter

	mu            sync.Mutex
	available     bool
	blockedUntil  time.Time
	totalRequests int64
	lastUsed      time.Time
}

// usable reports whether the account can take a dispatch at now. A lapsed
// block makes the account usable again without waiting for the sweep.
func (a *Account) usable(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.available && (a.blockedUntil.IsZero() || a.blockedUntil.After(now)) {
		return false
	}
	if !a.blockedUntil.IsZero() && a.blockedUntil.After(now) {
		return false
	}
	return true
}

// score ranks rotation candidates. RPM headroom is weighted 10x over TPM
// because request budgets are the scarcer dimension on typical plans.
func (a *Account) score(now time.Time) int64 {
	return a.Limiter.RemainingRPM(now)*10 + a.Limiter.RemainingTPM(now)/1000
}

// Status is a point-in-time view of one account for status reporting.
type Status struct {
	AccountID     string          `json:"account_id"`
	Provider      string          `json:"provider"`
	Available     bool            `json:"available"`
	BlockedUntil  *time.Time      `json:"blocked_until,omitempty"`
	Usage         ratelimit.Usage `json:"usage"`
	TotalRequests int64           `json:"total_requests"`
	LastUsed      *time.Time      `json:"last_used,omitempty"`
}

// Pool holds every configured account for the life of the daemon. Accounts
// are never removed while the daemon runs; exhaustion and blocks only make
// them temporarily ineligible.
type Pool struct {
	mu       sync.RWMutex
	accounts []*Account // config order, the rotation tie-break
	byID     map[string]*Account
	store    *eventlog.Store // optional durability, nil in tests
}

// NewPool builds the pool from configured accounts. Usage counters start
// empty; Restore folds persisted state back in.
func NewPool(cfgs []config.AccountConfig, store *eventlog.Store) (*Pool, error) {
	p := &Pool{byID: make(map[string]*Account), store: store}
	for _, c := range cfgs {
		prov, err := provider.Parse(c.Provider)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", c.AccountID, err)
		}
		if _, dup := p.byID[c.AccountID]; dup {
			return nil, fmt.Errorf("duplicate account id %q", c.AccountID)
		}
		acct := &Account{
			ID:        c.AccountID,
			Provider:  prov,
			VaultRef:  c.VaultRef,
			Limiter:   ratelimit.NewAccountLimiter(int64(c.RPMLimit), int64(c.TPMLimit)),
			available: true,
		}
		p.accounts = append(p.accounts, acct)
		p.byID[acct.ID] = acct
	}
	return p, nil
}

// Restore syncs configured accounts into the snapshot table and folds
// persisted block state and lifetime counters back into memory. Windowed
// usage is deliberately not restored: after a restart the sliding minute has
// passed.
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, acct := range p.accounts {
		rec := eventlog.AccountRecord{
			AccountID:   acct.ID,
			Provider:    string(acct.Provider),
			VaultRef:    acct.VaultRef,
			IsAvailable: true,
		}
		if err := p.store.SaveAccount(ctx, rec); err != nil {
			return fmt.Errorf("restore account %s: %w", acct.ID, err)
		}
		saved, err := p.store.GetAccount(ctx, acct.ID)
		if err != nil {
			return fmt.Errorf("load account %s: %w", acct.ID, err)
		}
		acct.mu.Lock()
		acct.totalRequests = saved.TotalRequests
		if saved.LastUsed != nil {
			acct.lastUsed = *saved.LastUsed
		}
		if saved.BlockedUntil != nil && saved.BlockedUntil.After(time.Now()) {
			acct.available = false
			acct.blockedUntil = *saved.BlockedUntil
		}
		acct.mu.Unlock()
	}
	return nil
}

// Get returns one account by id.
func (p *Pool) Get(accountID string) (*Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acct, ok := p.byID[accountID]
	return acct, ok
}

// Providers returns the distinct providers in config order.
func (p *Pool) Providers() []provider.Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[provider.Provider]struct{})
	var out []provider.Provider
	for _, acct := range p.accounts {
		if _, ok := seen[acct.Provider]; ok {
			continue
		}
		seen[acct.Provider] = struct{}{}
		out = append(out, acct.Provider)
	}
	return out
}

// Select picks the best available account for a provider: usable, not rate
// limited, highest score. Ties keep the earliest configured account. Returns
// NoAccountError with a retry hint when every candidate is out.
func (p *Pool) Select(now time.Time, prov provider.Provider) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *Account
	var bestScore int64
	var minRetry time.Duration
	matched := false

	for _, acct := range p.accounts {
		if acct.Provider != prov {
			continue
		}
		matched = true
		if !acct.usable(now) {
			if r := acct.blockedRetry(now); r > 0 && (minRetry == 0 || r < minRetry) {
				minRetry = r
			}
			continue
		}
		if acct.Limiter.Limited(now) {
			if r := acct.Limiter.RetryIn(now); r > 0 && (minRetry == 0 || r < minRetry) {
				minRetry = r
			}
			continue
		}
		if s := acct.score(now); best == nil || s > bestScore {
			best = acct
			bestScore = s
		}
	}
	if best == nil {
		if !matched {
			return nil, &NoAccountError{Provider: prov}
		}
		return nil, &NoAccountError{Provider: prov, RetryIn: minRetry}
	}
	return best, nil
}

func (a *Account) blockedRetry(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blockedUntil.IsZero() || !a.blockedUntil.After(now) {
		return 0
	}
	return a.blockedUntil.Sub(now)
}

// RecordDispatch charges one request against the account at dispatch time.
func (p *Pool) RecordDispatch(ctx context.Context, accountID string, now time.Time) error {
	acct, ok := p.Get(accountID)
	if !ok {
		return fmt.Errorf("record dispatch: unknown account %q", accountID)
	}
	acct.Limiter.ChargeRequest(now)
	acct.mu.Lock()
	acct.totalRequests++
	acct.lastUsed = now
	acct.mu.Unlock()

	if p.store != nil {
		if err := p.store.RecordAccountUsage(ctx, accountID, 1, 0); err != nil {
			slog.Warn("persist dispatch usage failed", "account_id", accountID, "error", err)
		}
	}
	return nil
}

// RecordResponse charges actual token consumption when the response lands.
// Charging at response time reflects real usage instead of an optimistic
// reservation; the cost is brief over-admission while a turn is in flight,
// which the clamp-at-zero remaining capacity absorbs.
func (p *Pool) RecordResponse(ctx context.Context, accountID string, now time.Time, tokens int64) error {
	acct, ok := p.Get(accountID)
	if !ok {
		return fmt.Errorf("record response: unknown account %q", accountID)
	}
	if tokens > 0 {
		acct.Limiter.ChargeTokens(now, tokens)
	}
	if p.store != nil {
		if err := p.store.RecordAccountUsage(ctx, accountID, 0, tokens); err != nil {
			slog.Warn("persist response usage failed", "account_id", accountID, "error", err)
		}
	}
	return nil
}

// Block takes an account out of rotation until the given time, typically
// from a provider rate-limit response with a retry hint.
func (p *Pool) Block(ctx context.Context, accountID string, until time.Time) error {
	acct, ok := p.Get(accountID)
	if !ok {
		return fmt.Errorf("block: unknown account %q", accountID)
	}
	acct.mu.Lock()
	acct.available = false
	acct.blockedUntil = until
	acct.mu.Unlock()

	if p.store != nil {
		if err := p.store.BlockAccount(ctx, accountID, until); err != nil {
			slog.Warn("persist account block failed", "account_id", accountID, "error", err)
		}
	}
	return nil
}

// UnblockExpired restores accounts whose block lapsed. Called by the health
// sweep; Select also treats lapsed blocks as usable so dispatch never waits
// on the sweep.
func (p *Pool) UnblockExpired(ctx context.Context, now time.Time) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, acct := range p.accounts {
		acct.mu.Lock()
		if !acct.available && !acct.blockedUntil.IsZero() && !acct.blockedUntil.After(now) {
			acct.available = true
			acct.blockedUntil = time.Time{}
			n++
		}
		acct.mu.Unlock()
	}
	if n > 0 && p.store != nil {
		if _, err := p.store.UnblockExpiredAccounts(ctx, now); err != nil {
			slog.Warn("persist account unblock failed", "error", err)
		}
	}
	return n
}

// Snapshot captures every account for scheduler.status.
func (p *Pool) Snapshot(now time.Time) []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Status, 0, len(p.accounts))
	for _, acct := range p.accounts {
		acct.mu.Lock()
		st := Status{
			AccountID:     acct.ID,
			Provider:      string(acct.Provider),
			Available:     acct.available || (!acct.blockedUntil.IsZero() && !acct.blockedUntil.After(now)),
			Usage:         acct.Limiter.Snapshot(now),
			TotalRequests: acct.totalRequests,
		}
		if !acct.blockedUntil.IsZero() && acct.blockedUntil.After(now) {
			t := acct.blockedUntil
			st.BlockedUntil = &t
			st.Available = false
		}
		if !acct.lastUsed.IsZero() {
			t := acct.lastUsed
			st.LastUsed = &t
		}
		acct.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Len returns the number of configured accounts.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}
