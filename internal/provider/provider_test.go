package provider

import (
	"context"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"anthropic", Anthropic, false},
		{" OpenAI ", OpenAI, false},
		{"GOOGLE", Google, false},
		{"", "", true},
		{"cohere", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Get(Anthropic); err == nil {
		t.Fatal("expected error for empty registry")
	}

	r, err := NewCLIRunner(CLIConfig{Provider: Anthropic, Command: "/bin/true"})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	reg.Register(r)

	got, err := reg.Get(Anthropic)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Provider() != Anthropic {
		t.Fatalf("expected anthropic runner, got %s", got.Provider())
	}

	providers := reg.Providers()
	if len(providers) != 1 || providers[0] != Anthropic {
		t.Fatalf("unexpected providers: %v", providers)
	}

	if err := reg.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
}

func TestModelName(t *testing.T) {
	if got := modelName(Anthropic, "claude-sonnet-4-5"); got != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("anthropic model name: %s", got)
	}
	if got := modelName(OpenAI, ""); got != "openai/"+defaultModel(OpenAI) {
		t.Fatalf("openai default model name: %s", got)
	}
	if got := modelName(Google, "gemini-2.5-pro"); got != "googleai/gemini-2.5-pro" {
		t.Fatalf("google model name: %s", got)
	}
}

func TestAPIRunnerPauseResumeStop(t *testing.T) {
	r := &APIRunner{cfg: APIConfig{Provider: OpenAI}}

	if err := r.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := r.Send(context.Background(), Request{Prompt: "hi"}); err != ErrRunnerPaused {
		t.Fatalf("expected ErrRunnerPaused, got %v", err)
	}
	if err := r.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := r.Send(context.Background(), Request{Prompt: "hi"}); err != ErrRunnerStopped {
		t.Fatalf("expected ErrRunnerStopped, got %v", err)
	}
	if err := r.Pause(context.Background()); err != ErrRunnerStopped {
		t.Fatalf("pause after stop: expected ErrRunnerStopped, got %v", err)
	}
}
