package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/crewline/crewd/internal/safety"
	"github.com/crewline/crewd/internal/task"
)

//go:embed fixture_schema.json
var fixtureSchemaJSON []byte

func compileFixtureSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(fixtureSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fixture schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("fixtures.json", doc); err != nil {
		return nil, fmt.Errorf("add fixture schema resource: %w", err)
	}
	schema, err := c.Compile("fixtures.json")
	if err != nil {
		return nil, fmt.Errorf("compile fixture schema: %w", err)
	}
	return schema, nil
}

// FixtureCase is one scenario from policy_tests.yaml. Status defaults to
// ACTIVE and role to implementer, the common case under test.
type FixtureCase struct {
	Name     string            `yaml:"name"`
	Status   string            `yaml:"task_status"`
	Role     string            `yaml:"role"`
	Tool     string            `yaml:"tool"`
	Worktree string            `yaml:"worktree"`
	Paths    []string          `yaml:"paths"`
	Args     map[string]string `yaml:"args"`
	Want     string            `yaml:"want"`
}

// FixtureResult reports one evaluated case.
type FixtureResult struct {
	Name   string `json:"name"`
	Want   string `json:"want"`
	Got    string `json:"got"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// FixtureReport is the policy.test response shape.
type FixtureReport struct {
	Total   int             `json:"total"`
	Passed  int             `json:"passed"`
	Failed  int             `json:"failed"`
	Results []FixtureResult `json:"results"`
}

// RunFixtures loads a fixture file, validates it against the embedded
// schema, and evaluates every case against the active risk table. Cases run
// the same static checks PreTool applies, with "approval" standing in for
// the blocking human gate.
func (e *Engine) RunFixtures(path string) (FixtureReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FixtureReport{}, fmt.Errorf("read fixtures: %w", err)
	}
	if err := e.validateFixtureDoc(data); err != nil {
		return FixtureReport{}, err
	}

	var doc struct {
		Cases []FixtureCase `yaml:"cases"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return FixtureReport{}, fmt.Errorf("parse fixtures: %w", err)
	}

	table := e.risk.Snapshot()
	report := FixtureReport{Total: len(doc.Cases)}
	for _, c := range doc.Cases {
		got, reason := evaluateCase(table, e.sanitizer, c)
		result := FixtureResult{Name: c.Name, Want: c.Want, Got: got, Pass: got == c.Want, Reason: reason}
		if result.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, result)
	}
	return report, nil
}

// validateFixtureDoc checks the YAML document against the embedded JSON
// schema before any case is trusted. YAML decodes to the same shapes JSON
// does, so the document round-trips through JSON for the validator.
func (e *Engine) validateFixtureDoc(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse fixtures: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert fixtures for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("convert fixtures for validation: %w", err)
	}
	if err := e.fixtureSchema.Validate(doc); err != nil {
		return fmt.Errorf("fixtures failed schema validation: %w", err)
	}
	return nil
}

// evaluateCase applies the static PreTool checks in order. It never blocks:
// a case whose risk requires approval reports "approval" instead of waiting
// on a human.
func evaluateCase(table RiskTable, sanitizer *safety.Sanitizer, c FixtureCase) (verdict, reason string) {
	status := task.StatusActive
	if c.Status != "" {
		parsed, err := task.ParseStatus(c.Status)
		if err != nil {
			return "deny", err.Error()
		}
		status = parsed
	}
	role := task.RoleImplementer
	if c.Role != "" {
		parsed, err := task.ParseRole(c.Role)
		if err != nil {
			return "deny", err.Error()
		}
		role = parsed
	}

	if ok, why := statusAdmits(status, role, c.Tool); !ok {
		return "deny", why
	}
	if ok, why := insideSandbox(c.Worktree, c.Paths); !ok {
		return "deny", why
	}
	if table.For(c.Tool).RequiresApproval() {
		return "approval", ""
	}
	if res := sanitizer.CheckArgs(c.Args); res.Action == safety.ActionBlock {
		return "deny", res.Reason
	}
	return "allow", ""
}
