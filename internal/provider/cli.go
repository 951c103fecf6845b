package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/crewline/crewd/internal/tokenutil"
)

// CLIConfig describes the local agent binary backing one provider.
type CLIConfig struct {
	Provider Provider
	// Command is the agent binary. Empty uses the provider's default.
	Command string
	// Args are prepended before the per-turn arguments.
	Args []string
	// DefaultTimeout bounds a turn when the request does not set one.
	DefaultTimeout time.Duration
}

func defaultCommand(p Provider) string {
	switch p {
	case Anthropic:
		return "claude"
	case OpenAI:
		return "codex"
	case Google:
		return "gemini"
	}
	return ""
}

// CLIRunner drives an agent session through a local coding-agent binary.
// The prompt goes in on stdin (long prompts exceed ARG_MAX as arguments) and
// the result is read from stdout, JSON when the binary reports it, plain
// text otherwise.
type CLIRunner struct {
	cfg CLIConfig

	mu       sync.Mutex
	paused   bool
	stopped  bool
	inflight map[int]*exec.Cmd
	nextID   int
}

func NewCLIRunner(cfg CLIConfig) (*CLIRunner, error) {
	if !cfg.Provider.Known() {
		return nil, fmt.Errorf("new cli runner: unknown provider %q", cfg.Provider)
	}
	if cfg.Command == "" {
		cfg.Command = defaultCommand(cfg.Provider)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Minute
	}
	return &CLIRunner{cfg: cfg, inflight: make(map[int]*exec.Cmd)}, nil
}

func (r *CLIRunner) Provider() Provider {
	return r.cfg.Provider
}

// cliResult is the JSON shape agent binaries emit with --output-format json.
// Unknown fields are ignored; a non-JSON stdout falls back to plain text.
type cliResult struct {
	Result    string `json:"result"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Error     string `json:"error"`
	Usage     struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (r *CLIRunner) Send(ctx context.Context, req Request) (Response, error) {
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

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = req.Workdir
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	id := r.track(cmd)
	defer r.untrack(id)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return Response{}, fmt.Errorf("provider %s: turn timed out after %s", r.cfg.Provider, timeout)
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return Response{}, fmt.Errorf("provider %s: %s", r.cfg.Provider, msg)
	}

	resp := Response{Model: req.Model, Duration: elapsed}
	var parsed cliResult
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err == nil && (parsed.Result != "" || parsed.Text != "" || parsed.IsError) {
		if parsed.IsError {
			return Response{}, fmt.Errorf("provider %s: %s", r.cfg.Provider, parsed.Error)
		}
		resp.Text = parsed.Result
		if resp.Text == "" {
			resp.Text = parsed.Text
		}
		resp.SessionID = parsed.SessionID
		resp.InputTokens = parsed.Usage.InputTokens
		resp.OutputTokens = parsed.Usage.OutputTokens
	} else {
		resp.Text = strings.TrimSpace(stdout.String())
	}
	if resp.InputTokens == 0 && resp.OutputTokens == 0 {
		resp.InputTokens, resp.OutputTokens = tokenutil.EstimateTurn(req.System, req.Prompt, resp.Text)
	}
	return resp, nil
}

// Pause suspends in-flight agent processes and refuses new turns.
func (r *CLIRunner) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	r.paused = true
	for _, cmd := range r.inflight {
		if err := suspendProcess(cmd); err != nil {
			slog.Warn("pause agent process failed", "provider", r.cfg.Provider, "error", err)
		}
	}
	return nil
}

// Resume continues suspended processes and admits new turns again.
func (r *CLIRunner) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	r.paused = false
	for _, cmd := range r.inflight {
		if err := continueProcess(cmd); err != nil {
			slog.Warn("resume agent process failed", "provider", r.cfg.Provider, "error", err)
		}
	}
	return nil
}

// Stop terminates in-flight processes and permanently closes the runner.
func (r *CLIRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	for _, cmd := range r.inflight {
		if err := terminateProcess(cmd); err != nil {
			slog.Warn("stop agent process failed", "provider", r.cfg.Provider, "error", err)
		}
	}
	return nil
}

func (r *CLIRunner) track(cmd *exec.Cmd) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.inflight[r.nextID] = cmd
	return r.nextID
}

func (r *CLIRunner) untrack(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}
