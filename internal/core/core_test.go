package core_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/core"
	"github.com/crewline/crewd/internal/policy"
	"github.com/crewline/crewd/internal/shared"
	"github.com/crewline/crewd/internal/task"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.BindAddr = "127.0.0.1:0"
	cfg.Accounts = []config.AccountConfig{{
		AccountID: "ant-1",
		Provider:  "anthropic",
		VaultRef:  "vault://ant-1",
		RPMLimit:  60,
		TPMLimit:  100000,
	}}
	// Short approval timeout keeps denied-path tests quick without
	// racing them.
	cfg.Policy.ApprovalTimeoutSeconds = 30
	return cfg
}

func startCore(t *testing.T, cfg config.Config) *core.Core {
	t.Helper()
	c, err := core.New(cfg)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start core: %v", err)
	}
	t.Cleanup(c.Drain)
	return c
}

func TestNewMintsAndReusesAuthToken(t *testing.T) {
	cfg := testConfig(t)

	c, err := core.New(cfg)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	token := c.Config.AuthToken
	if token == "" {
		t.Fatal("core started without an auth token")
	}
	data, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth_token"))
	if err != nil {
		t.Fatalf("read auth_token: %v", err)
	}
	if strings.TrimSpace(string(data)) != token {
		t.Fatal("persisted token differs from the active one")
	}
	c.Store.Close()

	again, err := core.New(cfg)
	if err != nil {
		t.Fatalf("second new core: %v", err)
	}
	defer again.Store.Close()
	if again.Config.AuthToken != token {
		t.Fatal("restart minted a fresh token instead of reusing the persisted one")
	}
}

func TestStartServesGateway(t *testing.T) {
	c := startCore(t, testConfig(t))

	resp, err := http.Get("http://" + c.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+c.Addr()+"/metrics", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Config.AuthToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestTerminalTaskDropsPendingApprovals(t *testing.T) {
	c := startCore(t, testConfig(t))

	ctx := shared.WithCorrelationID(shared.WithActor(context.Background(), "operator"), shared.NewCorrelationID())
	for _, kind := range []task.Kind{task.KindTaskCreated, task.KindTaskClaimed, task.KindTaskActive} {
		if _, err := c.Store.Append(ctx, "t-core-1", kind, ""); err != nil {
			t.Fatalf("seed %s: %v", kind, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		callCtx := shared.WithCorrelationID(shared.WithActor(context.Background(), "agent-1"), shared.NewCorrelationID())
		_, err := c.Policy.PreTool(callCtx, policy.ToolCall{
			TaskID:  "t-core-1",
			AgentID: "agent-1",
			Role:    task.RoleImplementer,
			Tool:    "shell.exec",
		})
		errCh <- err
	}()

	waitFor(t, 2*time.Second, func() bool { return c.Approvals.PendingCount() == 1 })

	if _, err := c.Store.Append(ctx, "t-core-1", task.KindTaskCanceled, ""); err != nil {
		t.Fatalf("cancel task: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("pre-tool succeeded on a canceled task")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pre-tool still blocked after the task went terminal")
	}
	if n := c.Approvals.PendingCount(); n != 0 {
		t.Fatalf("pending approvals = %d, want 0", n)
	}
}

func TestRiskTableHotReload(t *testing.T) {
	cfg := testConfig(t)
	// The watcher can only follow files that exist at startup.
	if err := os.WriteFile(cfg.Policy.RiskPath, []byte("default: low\n"), 0o600); err != nil {
		t.Fatalf("write risk.yaml: %v", err)
	}

	c := startCore(t, cfg)
	initial := c.Risk.Version()
	if c.Risk.For("anything.custom") != policy.RiskLow {
		t.Fatalf("initial default = %s, want low", c.Risk.For("anything.custom"))
	}

	if err := os.WriteFile(cfg.Policy.RiskPath, []byte("default: critical\n"), 0o600); err != nil {
		t.Fatalf("rewrite risk.yaml: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return c.Risk.Version() != initial })
	if c.Risk.For("anything.custom") != policy.RiskCritical {
		t.Fatalf("reloaded default = %s, want critical", c.Risk.For("anything.custom"))
	}
}

func TestRejectedRiskFileKeepsOldTable(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Policy.RiskPath, []byte("default: low\n"), 0o600); err != nil {
		t.Fatalf("write risk.yaml: %v", err)
	}

	c := startCore(t, cfg)
	initial := c.Risk.Version()

	if err := os.WriteFile(cfg.Policy.RiskPath, []byte("default: radioactive\n"), 0o600); err != nil {
		t.Fatalf("rewrite risk.yaml: %v", err)
	}
	// Give the watcher a moment; the bad table must never become active.
	time.Sleep(300 * time.Millisecond)
	if c.Risk.Version() != initial {
		t.Fatal("malformed risk file replaced the active table")
	}
}
