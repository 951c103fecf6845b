package scheduler

import (
	"fmt"

	"github.com/crewline/crewd/internal/provider"
)

// Fallback holds the ordered provider preference list consulted when the
// requested provider has no available account.
type Fallback struct {
	order []provider.Provider
}

func NewFallback(order []provider.Provider) Fallback {
	return Fallback{order: order}
}

// ParseFallback builds a Fallback from configured provider names.
func ParseFallback(names []string) (Fallback, error) {
	order := make([]provider.Provider, 0, len(names))
	for _, name := range names {
		p, err := provider.Parse(name)
		if err != nil {
			return Fallback{}, fmt.Errorf("fallback provider: %w", err)
		}
		order = append(order, p)
	}
	return Fallback{order: order}, nil
}

// Candidates returns the providers to try, in order, for one dispatch: the
// primary first, then the preference list, without duplicates. A provider
// equal to avoid is dropped entirely rather than substituted, so a
// diversity-constrained request can end up with no candidates at all; the
// caller treats that as a configuration error, not a silent downgrade.
func (f Fallback) Candidates(primary, avoid provider.Provider) []provider.Provider {
	seen := make(map[provider.Provider]struct{}, len(f.order)+1)
	out := make([]provider.Provider, 0, len(f.order)+1)
	add := func(p provider.Provider) {
		if p == "" || p == avoid {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	add(primary)
	for _, p := range f.order {
		add(p)
	}
	return out
}
