package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/crewline/crewd/internal/tokenutil"
)

// APIConfig describes a direct API session for one provider. APIKey is the
// resolved credential; it lives only in process memory and is never logged
// or persisted.
type APIConfig struct {
	Provider Provider
	APIKey   string
	BaseURL  string
	Model    string
}

func defaultModel(p Provider) string {
	switch p {
	case Anthropic:
		return "claude-sonnet-4-5"
	case OpenAI:
		return "gpt-5"
	case Google:
		return "gemini-2.5-pro"
	}
	return ""
}

func modelName(p Provider, model string) string {
	if model == "" {
		model = defaultModel(p)
	}
	switch p {
	case Anthropic:
		return "anthropic/" + model
	case OpenAI:
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}

// APIRunner drives headless turns (routing, planning, review summaries)
// directly against a provider API through Genkit.
type APIRunner struct {
	cfg APIConfig
	g   *genkit.Genkit

	mu      sync.Mutex
	paused  bool
	stopped bool
}

func NewAPIRunner(ctx context.Context, cfg APIConfig) (*APIRunner, error) {
	if !cfg.Provider.Known() {
		return nil, fmt.Errorf("new api runner: unknown provider %q", cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("new api runner: missing credential for %s", cfg.Provider)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel(cfg.Provider)
	}

	var g *genkit.Genkit
	switch cfg.Provider {
	case Anthropic:
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}))
	case OpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		}))
	case Google:
		_ = os.Setenv("GEMINI_API_KEY", cfg.APIKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(modelName(Google, cfg.Model)),
		)
	}
	slog.Info("api runner initialized", "provider", cfg.Provider, "model", cfg.Model)
	return &APIRunner{cfg: cfg, g: g}, nil
}

func (r *APIRunner) Provider() Provider {
	return r.cfg.Provider
}

func (r *APIRunner) Send(ctx context.Context, req Request) (Response, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return Response{}, ErrRunnerStopped
	}
	if r.paused {
		r.mu.Unlock()
		return Response{}, ErrRunnerPaused
	}
	r.mu.Unlock()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = r.cfg.Model
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(modelName(r.cfg.Provider, model)),
		ai.WithPrompt(req.Prompt),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}

	start := time.Now()
	resp, err := genkit.Generate(ctx, r.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("provider %s: generate: %w", r.cfg.Provider, err)
	}

	text := resp.Text()
	in, out := tokenutil.EstimateTurn(req.System, req.Prompt, text)
	return Response{
		Text:         text,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Duration:     time.Since(start),
	}, nil
}

func (r *APIRunner) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	r.paused = true
	return nil
}

func (r *APIRunner) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	r.paused = false
	return nil
}

func (r *APIRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}
