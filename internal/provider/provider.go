// Package provider abstracts the AI backends that agent sessions run
// against. Each backend implements the Runner capability set; callers hold
// the interface and branch only on the Provider enum, never on the concrete
// type.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Provider identifies an AI backend. Fallback chains and the reviewer
// diversity rule compare these values.
type Provider string

const (
	Anthropic Provider = "anthropic"
	OpenAI    Provider = "openai"
	Google    Provider = "google"
)

func (p Provider) String() string {
	return string(p)
}

// Known reports whether p is a supported backend.
func (p Provider) Known() bool {
	switch p {
	case Anthropic, OpenAI, Google:
		return true
	}
	return false
}

// Parse normalizes a configured provider name.
func Parse(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Known() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// Request carries one provider turn.
type Request struct {
	TaskID  string
	AgentID string
	Role    string
	System  string
	Prompt  string
	Model   string
	Workdir string
	Timeout time.Duration
}

// Response is the normalized result of a turn.
type Response struct {
	Text         string
	Model        string
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
}

// TotalTokens is the amount charged against the account's token budget.
func (r Response) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// Runner is the capability set every backend variant implements. Send blocks
// for the duration of the turn. Pause stops admission of new turns without
// killing in-flight ones; Resume lifts the pause. Stop ends the runner; a
// stopped runner never admits another turn.
type Runner interface {
	Provider() Provider
	Send(ctx context.Context, req Request) (Response, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Registry holds one runner per provider.
type Registry struct {
	mu      sync.RWMutex
	runners map[Provider]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[Provider]Runner)}
}

// Register installs a runner, replacing any previous one for the provider.
func (r *Registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.Provider()] = runner
}

// Get returns the runner for a provider.
func (r *Registry) Get(p Provider) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[p]
	if !ok {
		return nil, fmt.Errorf("no runner registered for provider %q", p)
	}
	return runner, nil
}

// Providers returns the registered providers in sorted order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.runners))
	for p := range r.runners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StopAll stops every registered runner, keeping the first error.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, runner := range r.runners {
		if err := runner.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
