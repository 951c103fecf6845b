// Package policy is the gate in front of every tool call and task
// transition: risk classification, sandbox enforcement, argument and output
// scanning, human approval for dangerous tools, and supply-chain pinning of
// collaborator binaries. Every decision it makes is audited.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Risk classifies how dangerous a tool is when misused.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// ParseRisk converts a wire string into a Risk.
func ParseRisk(s string) (Risk, error) {
	switch Risk(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	case RiskCritical:
		return RiskCritical, nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// RequiresApproval reports whether a tool at this risk level must wait for a
// human decision before it runs.
func (r Risk) RequiresApproval() bool {
	return r == RiskHigh || r == RiskCritical
}

// RiskTable maps tool names to risk levels. Tools absent from the table get
// Default, so an unconfigured tool is treated as dangerous rather than safe.
type RiskTable struct {
	Default Risk            `yaml:"default"`
	Tools   map[string]Risk `yaml:"tools"`
}

// DefaultRiskTable returns the built-in classification used when no
// risk.yaml exists.
func DefaultRiskTable() RiskTable {
	return RiskTable{
		Default: RiskHigh,
		Tools: map[string]Risk{
			"fs.read":      RiskLow,
			"fs.list":      RiskLow,
			"fs.search":    RiskLow,
			"git.status":   RiskLow,
			"git.diff":     RiskLow,
			"git.log":      RiskLow,
			"fs.write":     RiskMedium,
			"fs.append":    RiskMedium,
			"fs.mkdir":     RiskMedium,
			"fs.move":      RiskMedium,
			"git.commit":   RiskMedium,
			"git.checkout": RiskMedium,
			"git.apply":    RiskMedium,
			"patch.apply":  RiskMedium,
			"fs.delete":    RiskHigh,
			"shell.exec":   RiskHigh,
			"net.fetch":    RiskHigh,
			"git.push":     RiskCritical,
		},
	}
}

// LoadRiskTable reads a risk table from a YAML file. A missing or empty file
// yields the default table; a malformed one is an error so a bad edit never
// silently downgrades every tool.
func LoadRiskTable(path string) (RiskTable, error) {
	if path == "" {
		return DefaultRiskTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRiskTable(), nil
		}
		return RiskTable{}, fmt.Errorf("read risk table: %w", err)
	}
	if len(data) == 0 {
		return DefaultRiskTable(), nil
	}
	var t RiskTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return RiskTable{}, fmt.Errorf("parse risk table: %w", err)
	}
	if err := t.validate(); err != nil {
		return RiskTable{}, err
	}
	return t, nil
}

func (t RiskTable) validate() error {
	if t.Default != "" {
		if _, err := ParseRisk(string(t.Default)); err != nil {
			return fmt.Errorf("risk table default: %w", err)
		}
	}
	for tool, risk := range t.Tools {
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("risk table has an empty tool name")
		}
		if _, err := ParseRisk(string(risk)); err != nil {
			return fmt.Errorf("risk table tool %q: %w", tool, err)
		}
	}
	return nil
}

// For returns the risk level for a tool name. Unknown tools get the table
// default; an unset default means high.
func (t RiskTable) For(tool string) Risk {
	tool = strings.ToLower(strings.TrimSpace(tool))
	if r, ok := t.Tools[tool]; ok {
		return Risk(strings.ToLower(string(r)))
	}
	if t.Default != "" {
		return Risk(strings.ToLower(string(t.Default)))
	}
	return RiskHigh
}

// Version returns a stable fingerprint of the table for audit rows and
// status output.
func (t RiskTable) Version() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("default=" + strings.ToLower(string(t.Default)) + "|"))
	tools := make([]string, 0, len(t.Tools))
	for tool := range t.Tools {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		_, _ = h.Write([]byte(tool + "=" + strings.ToLower(string(t.Tools[tool])) + "|"))
	}
	return "risk-" + strconv.FormatUint(h.Sum64(), 16)
}

// LiveRiskTable wraps a RiskTable with thread-safe reload for the config
// watcher.
type LiveRiskTable struct {
	mu   sync.RWMutex
	data RiskTable
}

// NewLiveRiskTable creates a LiveRiskTable from an initial snapshot.
func NewLiveRiskTable(initial RiskTable) *LiveRiskTable {
	return &LiveRiskTable{data: initial}
}

// For is the thread-safe risk lookup used at runtime.
func (lt *LiveRiskTable) For(tool string) Risk {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.data.For(tool)
}

// Version returns the fingerprint of the active table.
func (lt *LiveRiskTable) Version() string {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.data.Version()
}

// Reload replaces the table from a fresh snapshot.
func (lt *LiveRiskTable) Reload(t RiskTable) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.data = t
}

// Snapshot returns a copy of the current table.
func (lt *LiveRiskTable) Snapshot() RiskTable {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	cp := RiskTable{Default: lt.data.Default, Tools: make(map[string]Risk, len(lt.data.Tools))}
	for tool, risk := range lt.data.Tools {
		cp.Tools[tool] = risk
	}
	return cp
}

// ReloadRiskFromFile updates the live table only when the incoming file
// parses and validates. On error the previous table remains active.
func ReloadRiskFromFile(lt *LiveRiskTable, path string) error {
	if lt == nil {
		return fmt.Errorf("nil live risk table")
	}
	t, err := LoadRiskTable(path)
	if err != nil {
		return err
	}
	lt.Reload(t)
	return nil
}
