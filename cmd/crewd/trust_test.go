package main

import (
	"context"
	"testing"
)

func TestRunTrustCommand_Usage(t *testing.T) {
	cases := [][]string{
		nil,
		{"pin"},
		{"verify"},
		{"list", "extra"},
		{"unpin", "/opt/tools/mcp-server"},
	}
	for _, args := range cases {
		if code := runTrustCommand(context.Background(), args); code != 2 {
			t.Fatalf("trust %v: got exit code %d, want 2", args, code)
		}
	}
}

func TestRunTrustCommand_Pin(t *testing.T) {
	ts := startFakeGateway(t)
	setTestConfig(t, ts.Listener.Addr().String())

	code := runTrustCommand(context.Background(), []string{"pin", "/opt/tools/mcp-server"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunTrustCommand_VerifyClean(t *testing.T) {
	ts := startFakeGateway(t)
	setTestConfig(t, ts.Listener.Addr().String())

	code := runTrustCommand(context.Background(), []string{"verify", "/opt/tools/mcp-server"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunTrustCommand_VerifyTampered(t *testing.T) {
	ts := startFakeGateway(t)
	setTestConfig(t, ts.Listener.Addr().String())

	code := runTrustCommand(context.Background(), []string{"verify", "/opt/tools/tampered"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunTrustCommand_List(t *testing.T) {
	ts := startFakeGateway(t)
	setTestConfig(t, ts.Listener.Addr().String())

	code := runTrustCommand(context.Background(), []string{"list"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunTrustCommand_DaemonDown(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	code := runTrustCommand(context.Background(), []string{"list"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}
