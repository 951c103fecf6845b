package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StarterAccounts returns placeholder accounts for first-run setup.
// Generated into config.yaml only when no accounts are configured.
func StarterAccounts() []AccountConfig {
	return []AccountConfig{
		{
			AccountID: "anthropic-primary",
			Provider:  "anthropic",
			VaultRef:  "vault://crewd/anthropic/primary",
			RPMLimit:  50,
			TPMLimit:  80000,
		},
		{
			AccountID: "openai-primary",
			Provider:  "openai",
			VaultRef:  "vault://crewd/openai/primary",
			RPMLimit:  60,
			TPMLimit:  120000,
		},
	}
}

const starterConfig = `# crewd configuration.
# Accounts reference credentials by vault_ref; secrets never live here.
bind_addr: "127.0.0.1:18790"
log_level: "info"

accounts:
  - account_id: "anthropic-primary"
    provider: "anthropic"
    vault_ref: "vault://crewd/anthropic/primary"
    rpm_limit: 50
    tpm_limit: 80000
  - account_id: "openai-primary"
    provider: "openai"
    vault_ref: "vault://crewd/openai/primary"
    rpm_limit: 60
    tpm_limit: 120000

# Ordered alternates tried when the requested provider has no capacity.
fallback_providers: ["anthropic", "openai"]

scheduler:
  backoff_base_ms: 500
  backoff_max_ms: 60000
  max_attempts: 8
  max_queue_depth: 100

policy:
  approval_timeout_seconds: 60

sweeps:
  unblock_schedule: "@every 30s"
  checkpoint_schedule: "@every 5m"
  retention_schedule: "@daily"

telemetry:
  enabled: false
  exporter: "otlp-http"
`

// EnsureAuthToken returns the gateway token, minting one into
// <home>/auth_token on first run. An unset token would make the gateway
// refuse every connection, so the daemon never starts without one.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.AuthToken != "" {
		return cfg.AuthToken, nil
	}
	path := filepath.Join(cfg.HomeDir, "auth_token")
	if data, err := os.ReadFile(path); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			cfg.AuthToken = tok
			return tok, nil
		}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint auth token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return "", fmt.Errorf("create crewd home: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	cfg.AuthToken = tok
	return tok, nil
}

// WriteStarter writes the starter config.yaml. It refuses to overwrite an
// existing file.
func WriteStarter(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config.yaml already exists at %s", path)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create crewd home: %w", err)
	}
	return os.WriteFile(path, []byte(starterConfig), 0o644)
}
