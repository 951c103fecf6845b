// Package config loads and validates crewd's configuration from
// <home>/config.yaml, applies env overrides, and watches the policy files
// for hot reload.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AccountConfig declares one provider account. Credentials are referenced by
// vault_ref and resolved outside the daemon; the secret itself never appears
// in config, logs, or the store.
type AccountConfig struct {
	AccountID string `yaml:"account_id"`
	Provider  string `yaml:"provider"`
	VaultRef  string `yaml:"vault_ref"`
	RPMLimit  int    `yaml:"rpm_limit"`
	TPMLimit  int    `yaml:"tpm_limit"`
}

// SchedulerConfig tunes dispatch retry behavior and queue admission.
type SchedulerConfig struct {
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	BackoffMaxMS  int `yaml:"backoff_max_ms"`
	MaxAttempts   int `yaml:"max_attempts"`
	MaxQueueDepth int `yaml:"max_queue_depth"`
}

// PolicyConfig points the policy engine at its data files.
type PolicyConfig struct {
	RiskPath               string `yaml:"risk_path"`
	TrustPath              string `yaml:"trust_path"`
	FixturesDir            string `yaml:"fixtures_dir"`
	ApprovalTimeoutSeconds int    `yaml:"approval_timeout_seconds"`
}

// SweepsConfig holds cron expressions for the periodic maintenance sweeps.
type SweepsConfig struct {
	UnblockSchedule    string `yaml:"unblock_schedule"`
	CheckpointSchedule string `yaml:"checkpoint_schedule"`
	RetentionSchedule  string `yaml:"retention_schedule"`
}

// DeadLetterConfig wires event forwarding to an external collaborator.
// An empty webhook_url disables the pump.
type DeadLetterConfig struct {
	WebhookURL  string `yaml:"webhook_url"`
	MaxAttempts int    `yaml:"max_attempts"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// TelemetryConfig mirrors the OTel provider settings.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Accounts []AccountConfig `yaml:"accounts"`

	// FallbackProviders is the ordered preference list consulted when the
	// requested provider has no available account.
	FallbackProviders []string `yaml:"fallback_providers"`

	WorktreeRoot string `yaml:"worktree_root"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Policy     PolicyConfig     `yaml:"policy"`
	Sweeps     SweepsConfig     `yaml:"sweeps"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	DrainTimeoutSeconds     int `yaml:"drain_timeout_seconds"`
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the crewd home directory. CREWD_HOME overrides ~/.crewd.
func HomeDir() string {
	if override := os.Getenv("CREWD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crewd")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			BackoffBaseMS: 500,
			BackoffMaxMS:  int((60 * time.Second).Milliseconds()),
			MaxAttempts:   8,
			MaxQueueDepth: 100,
		},
		Policy: PolicyConfig{
			ApprovalTimeoutSeconds: 60,
		},
		Sweeps: SweepsConfig{
			UnblockSchedule:    "@every 30s",
			CheckpointSchedule: "@every 5m",
			RetentionSchedule:  "@daily",
		},
		DrainTimeoutSeconds:     5,
		RetentionTaskEventsDays: 90,
		RetentionAuditLogDays:   365,
	}
}

// Load reads config.yaml from the crewd home, applies env overrides, fills
// defaults, and validates. A missing config file is not an error: defaults
// are returned with NeedsGenesis set.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, for tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create crewd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scheduler.BackoffBaseMS <= 0 {
		cfg.Scheduler.BackoffBaseMS = 500
	}
	if cfg.Scheduler.BackoffMaxMS <= 0 {
		cfg.Scheduler.BackoffMaxMS = int((60 * time.Second).Milliseconds())
	}
	if cfg.Scheduler.MaxAttempts <= 0 {
		cfg.Scheduler.MaxAttempts = 8
	}
	if cfg.Scheduler.MaxQueueDepth < 0 {
		cfg.Scheduler.MaxQueueDepth = 0
	}
	if cfg.Policy.ApprovalTimeoutSeconds <= 0 {
		cfg.Policy.ApprovalTimeoutSeconds = 60
	}
	if cfg.Policy.RiskPath == "" {
		cfg.Policy.RiskPath = filepath.Join(cfg.HomeDir, "risk.yaml")
	}
	if cfg.Policy.TrustPath == "" {
		cfg.Policy.TrustPath = filepath.Join(cfg.HomeDir, "trust.yaml")
	}
	if cfg.Policy.FixturesDir == "" {
		cfg.Policy.FixturesDir = filepath.Join(cfg.HomeDir, "policy_fixtures")
	}
	if cfg.Sweeps.UnblockSchedule == "" {
		cfg.Sweeps.UnblockSchedule = "@every 30s"
	}
	if cfg.Sweeps.CheckpointSchedule == "" {
		cfg.Sweeps.CheckpointSchedule = "@every 5m"
	}
	if cfg.Sweeps.RetentionSchedule == "" {
		cfg.Sweeps.RetentionSchedule = "@daily"
	}
	if cfg.DeadLetter.MaxAttempts <= 0 {
		cfg.DeadLetter.MaxAttempts = 3
	}
	if cfg.DeadLetter.TopicPrefix == "" {
		cfg.DeadLetter.TopicPrefix = "task."
	}
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = filepath.Join(cfg.HomeDir, "worktrees")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	for i := range cfg.Accounts {
		if cfg.Accounts[i].RPMLimit <= 0 {
			cfg.Accounts[i].RPMLimit = 60
		}
		if cfg.Accounts[i].TPMLimit <= 0 {
			cfg.Accounts[i].TPMLimit = 100000
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		if acct.AccountID == "" {
			return fmt.Errorf("account missing account_id")
		}
		if _, dup := seen[acct.AccountID]; dup {
			return fmt.Errorf("duplicate account_id %q", acct.AccountID)
		}
		seen[acct.AccountID] = struct{}{}
		if acct.Provider == "" {
			return fmt.Errorf("account %q missing provider", acct.AccountID)
		}
		if acct.VaultRef == "" {
			return fmt.Errorf("account %q missing vault_ref (inline credentials are not supported)", acct.AccountID)
		}
	}
	for _, p := range cfg.FallbackProviders {
		if p == "" {
			return fmt.Errorf("fallback_providers contains an empty entry")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CREWD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CREWD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CREWD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CREWD_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CREWD_APPROVAL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Policy.ApprovalTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CREWD_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxQueueDepth = v
		}
	}
}

// Providers returns the distinct providers named by the configured accounts,
// in first-seen order.
func (c Config) Providers() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, acct := range c.Accounts {
		if _, ok := seen[acct.Provider]; ok {
			continue
		}
		seen[acct.Provider] = struct{}{}
		out = append(out, acct.Provider)
	}
	return out
}

// AccountsFor returns the configured accounts for one provider.
func (c Config) AccountsFor(provider string) []AccountConfig {
	var out []AccountConfig
	for _, acct := range c.Accounts {
		if acct.Provider == provider {
			out = append(out, acct)
		}
	}
	return out
}

// Fingerprint returns a stable hash of the active config, logged at startup
// and after each reload so drift is visible.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|accounts=%d|fallback=%v|attempts=%d|depth=%d",
		c.BindAddr, c.LogLevel, len(c.Accounts), c.FallbackProviders,
		c.Scheduler.MaxAttempts, c.Scheduler.MaxQueueDepth)
	for _, acct := range c.Accounts {
		fmt.Fprintf(h, "|%s:%s:%d:%d", acct.AccountID, acct.Provider, acct.RPMLimit, acct.TPMLimit)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
