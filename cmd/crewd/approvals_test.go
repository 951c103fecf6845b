package main

import (
	"context"
	"testing"
)

func TestRunApprovalsCommand_ExtraArgs(t *testing.T) {
	code := runApprovalsCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunApprovalsCommand_PlainList(t *testing.T) {
	ts := startFakeGateway(t)
	setTestConfig(t, ts.Listener.Addr().String())

	// Test stdout is not a TTY, so this exercises the piped path.
	code := runApprovalsCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunApprovalsCommand_DaemonDown(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	code := runApprovalsCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}
