package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAccounts,
		checkDatabase,
		checkPermissions,
		checkRiskTable,
		checkGateway,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (first run writes a starter file)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAccounts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Accounts", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Accounts) == 0 {
		return CheckResult{
			Name:    "Accounts",
			Status:  "WARN",
			Message: "No provider accounts configured; the scheduler cannot dispatch",
			Detail:  "Add accounts with vault_ref entries to config.yaml",
		}
	}

	missing := 0
	for _, acct := range cfg.Accounts {
		if strings.TrimSpace(acct.VaultRef) == "" {
			missing++
		}
	}
	if missing > 0 {
		return CheckResult{
			Name:    "Accounts",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d accounts lack a vault_ref", missing, len(cfg.Accounts)),
			Detail:  "Credentials are resolved from the vault at call time; inline keys are not supported",
		}
	}

	providers := cfg.Providers()
	return CheckResult{
		Name:    "Accounts",
		Status:  "PASS",
		Message: fmt.Sprintf("%d accounts across %d providers", len(cfg.Accounts), len(providers)),
		Detail:  strings.Join(providers, ", "),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "crewd.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: "WARN", Message: "Event log not created yet (daemon has not run)"}
	}

	store, err := eventlog.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema valid, %d tasks on record", total),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkRiskTable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Risk Table", Status: "SKIP", Message: "Config missing"}
	}

	path := cfg.Policy.RiskPath
	if path == "" {
		path = filepath.Join(cfg.HomeDir, "risk.yaml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Risk Table", Status: "PASS", Message: "Built-in defaults in effect (no risk.yaml)"}
	}

	table, err := policy.LoadRiskTable(path)
	if err != nil {
		return CheckResult{
			Name:    "Risk Table",
			Status:  "FAIL",
			Message: fmt.Sprintf("Parse failed: %v", err),
			Detail:  "A running daemon keeps its previous table until the file is fixed",
		}
	}
	return CheckResult{
		Name:    "Risk Table",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded %s", table.Version()),
	}
}

func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("Request: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "WARN", Message: "Daemon not reachable (is crewd running?)", Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("Unhealthy: HTTP %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Gateway", Status: "PASS", Message: fmt.Sprintf("Healthy at %s", addr)}
}

var providerHosts = map[string]string{
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
	"google":    "generativelanguage.googleapis.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	providers := cfg.Providers()
	if len(providers) == 0 {
		providers = []string{"anthropic"}
	}

	var details []string
	status := "PASS"
	for _, provider := range providers {
		host, ok := providerHosts[strings.ToLower(provider)]
		if !ok {
			details = append(details, fmt.Sprintf("%s: skipped (no known endpoint)", provider))
			continue
		}

		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		cancel()
		latency := time.Since(start)

		if err != nil {
			details = append(details, fmt.Sprintf("%s: DNS failed for %s (%v)", provider, host, err))
			status = "FAIL"
			continue
		}
		details = append(details, fmt.Sprintf("%s: %s resolved (%d addresses, %dms)",
			provider, host, len(addrs), latency.Milliseconds()))
	}

	return CheckResult{
		Name:    "Network",
		Status:  status,
		Message: fmt.Sprintf("Checked %d providers", len(providers)),
		Detail:  strings.Join(details, "; "),
	}
}
