package policy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/crewline/crewd/internal/approval"
	"github.com/crewline/crewd/internal/audit"
	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/safety"
	"github.com/crewline/crewd/internal/shared"
	"github.com/crewline/crewd/internal/task"
)

// ViolationKind labels why the engine rejected a tool call.
type ViolationKind string

const (
	ViolationStatus      ViolationKind = "status"
	ViolationSandbox     ViolationKind = "sandbox"
	ViolationApproval    ViolationKind = "approval"
	ViolationInjection   ViolationKind = "injection"
	ViolationLeak        ViolationKind = "leak"
	ViolationPlaceholder ViolationKind = "placeholder"
	ViolationSchema      ViolationKind = "schema"
	ViolationSupplyChain ViolationKind = "supply_chain"
)

// ViolationError is the typed rejection surfaced to callers. It never
// carries raw secret material; reasons are redacted before they get here.
type ViolationError struct {
	Kind   ViolationKind
	Tool   string
	TaskID string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s) for tool %s: %s", e.Kind, e.Tool, e.Reason)
}

// ToolCall describes one tool invocation the engine must judge. Worktree is
// the agent's assigned sandbox root; Paths lists every filesystem target the
// call will touch.
type ToolCall struct {
	TaskID   string
	AgentID  string
	Role     task.Role
	Tool     string
	Args     map[string]string
	Worktree string
	Paths    []string
}

// Decision is the engine's verdict on a tool call. When the risk level
// forced a human approval, ApprovalID names the resolved request.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	Risk       Risk   `json:"risk"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// writeTools names the tools that mutate files or repository state. Tools
// absent from this set are treated as read-only; unknown tools still fall
// under the risk table's default classification.
var writeTools = map[string]struct{}{
	"fs.write":     {},
	"fs.append":    {},
	"fs.delete":    {},
	"fs.move":      {},
	"fs.mkdir":     {},
	"shell.exec":   {},
	"git.commit":   {},
	"git.checkout": {},
	"git.apply":    {},
	"git.push":     {},
	"patch.apply":  {},
}

// WritesFiles reports whether a tool mutates files or repository state.
func WritesFiles(tool string) bool {
	_, ok := writeTools[normalizeTool(tool)]
	return ok
}

func normalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}

// Engine gates tool calls and task transitions. Construct with NewEngine;
// the zero value is not usable.
type Engine struct {
	store  *eventlog.Store
	broker *approval.Broker
	risk   *LiveRiskTable
	bus    *bus.Bus

	sanitizer *safety.Sanitizer
	leaks     *safety.LeakDetector
	stubs     *safety.PlaceholderDetector

	fixtureSchema *jsonschema.Schema

	mu          sync.RWMutex
	toolSchemas map[string]*jsonschema.Schema
}

// NewEngine wires the gate. eventBus may be nil in tests.
func NewEngine(store *eventlog.Store, broker *approval.Broker, risk *LiveRiskTable, eventBus *bus.Bus) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("policy engine requires a store")
	}
	if risk == nil {
		risk = NewLiveRiskTable(DefaultRiskTable())
	}
	fixtureSchema, err := compileFixtureSchema()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:         store,
		broker:        broker,
		risk:          risk,
		bus:           eventBus,
		sanitizer:     safety.NewSanitizer(),
		leaks:         safety.NewLeakDetector(),
		stubs:         safety.NewPlaceholderDetector(),
		fixtureSchema: fixtureSchema,
		toolSchemas:   make(map[string]*jsonschema.Schema),
	}, nil
}

// RiskVersion returns the fingerprint of the active risk table.
func (e *Engine) RiskVersion() string {
	return e.risk.Version()
}

// RegisterToolSchema attaches a JSON Schema to a tool name. Registered
// tools get their arguments validated in PreTool; unregistered tools skip
// that check.
func (e *Engine) RegisterToolSchema(tool string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	name := normalizeTool(tool) + ".json"
	if err := c.AddResource(name, doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool, err)
	}
	e.mu.Lock()
	e.toolSchemas[normalizeTool(tool)] = schema
	e.mu.Unlock()
	return nil
}

func (e *Engine) toolSchema(tool string) *jsonschema.Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolSchemas[normalizeTool(tool)]
}

// PreTool judges a tool call before it executes. Checks run in a fixed
// order: task status and role, sandbox boundary, risk classification (which
// may block on a human approval), then argument scanning. An allowed call
// is recorded as a tool.called event before this returns.
func (e *Engine) PreTool(ctx context.Context, call ToolCall) (Decision, error) {
	status, err := e.store.Status(ctx, call.TaskID)
	if err != nil {
		return Decision{}, fmt.Errorf("pre-tool status lookup: %w", err)
	}

	dec := Decision{Risk: e.risk.For(call.Tool)}

	if ok, reason := statusAdmits(status, call.Role, call.Tool); !ok {
		return e.deny(ctx, call, dec, ViolationStatus, reason)
	}

	if ok, reason := insideSandbox(call.Worktree, call.Paths); !ok {
		return e.deny(ctx, call, dec, ViolationSandbox, reason)
	}

	if dec.Risk.RequiresApproval() {
		approvalID, err := e.awaitApproval(ctx, call, status, dec.Risk)
		dec.ApprovalID = approvalID
		if err != nil {
			dec.Reason = err.Error()
			audit.Record(ctx, "deny", call.Tool, dec.Reason, "task:"+call.TaskID)
			e.publishViolation(call, ViolationApproval, dec.Reason)
			return dec, err
		}
		audit.Record(ctx, "approved", call.Tool, "human approval granted", "task:"+call.TaskID)
	}

	if res := e.sanitizer.CheckArgs(call.Args); res.Action == safety.ActionBlock {
		return e.deny(ctx, call, dec, ViolationInjection, res.Reason)
	} else if res.Action == safety.ActionWarn {
		slog.Warn("suspicious tool arguments", "tool", call.Tool, "task_id", call.TaskID, "reason", res.Reason)
	}

	if reason, leaked := e.argsCarrySecrets(call.Args); leaked {
		return e.deny(ctx, call, dec, ViolationLeak, reason)
	}

	if schema := e.toolSchema(call.Tool); schema != nil {
		if err := validateArgs(schema, call.Args); err != nil {
			return e.deny(ctx, call, dec, ViolationSchema, fmt.Sprintf("arguments rejected by schema: %v", err))
		}
	}

	payload := task.MarshalPayload(task.ToolPayload{Tool: call.Tool, Args: shared.RedactMap(call.Args)})
	if _, err := e.store.Append(ctx, call.TaskID, task.KindToolCalled, payload); err != nil {
		return Decision{}, fmt.Errorf("record tool.called: %w", err)
	}

	dec.Allowed = true
	audit.Record(ctx, "allow", call.Tool, string(dec.Risk)+" risk", "task:"+call.TaskID)
	return dec, nil
}

// awaitApproval parks the task (when it was actively running), asks the
// broker, and restores the task to active once a decision lands either way.
// A context cancellation skips the restore; the task is on its way out.
func (e *Engine) awaitApproval(ctx context.Context, call ToolCall, status task.Status, risk Risk) (string, error) {
	parked := false
	if status == task.StatusActive {
		if _, err := e.store.Append(ctx, call.TaskID, task.KindTaskNeedsApproval, ""); err != nil {
			slog.Warn("park for approval failed", "task_id", call.TaskID, "error", err)
		} else {
			parked = true
		}
	}

	d, askErr := e.broker.Ask(ctx, approval.Request{
		TaskID:  call.TaskID,
		AgentID: call.AgentID,
		Tool:    call.Tool,
		Risk:    string(risk),
		Reason:  fmt.Sprintf("%s risk tool", risk),
	})

	if parked && ctx.Err() == nil {
		if _, err := e.store.Append(ctx, call.TaskID, task.KindTaskActive, ""); err != nil {
			slog.Warn("resume after approval failed", "task_id", call.TaskID, "error", err)
		}
	}
	return d.ApprovalID, askErr
}

// PostTool inspects tool output after execution. Leaked credentials fail
// any call; placeholder stubs fail write tools, where output is content an
// agent claims to have produced. A clean run records an ok tool.result.
func (e *Engine) PostTool(ctx context.Context, call ToolCall, output string) error {
	if warnings := e.leaks.Scan(output); len(warnings) > 0 {
		reason := fmt.Sprintf("output carries %s (%s)", warnings[0].Pattern, shared.Redact(warnings[0].Sample))
		return e.failResult(ctx, call, ViolationLeak, reason)
	}
	if WritesFiles(call.Tool) {
		if stubs := e.stubs.Scan(output); len(stubs) > 0 {
			reason := fmt.Sprintf("%s at line %d: %s", stubs[0].Pattern, stubs[0].Line, stubs[0].Sample)
			return e.failResult(ctx, call, ViolationPlaceholder, reason)
		}
	}

	payload := task.MarshalPayload(task.ToolPayload{Tool: call.Tool, Outcome: "ok"})
	if _, err := e.store.Append(ctx, call.TaskID, task.KindToolResult, payload); err != nil {
		return fmt.Errorf("record tool.result: %w", err)
	}
	audit.Record(ctx, "allow", call.Tool+" output", "clean", "task:"+call.TaskID)
	return nil
}

// AuthorizeTransition judges a requested status transition before the
// caller appends the event. Callers must name the acting principal.
func (e *Engine) AuthorizeTransition(ctx context.Context, from, to task.Status, actor string) error {
	action := fmt.Sprintf("transition %s -> %s", from, to)
	if strings.TrimSpace(actor) == "" {
		audit.Record(ctx, "deny", action, "actor required", "")
		return &ViolationError{Kind: ViolationStatus, Tool: "task.transition", Reason: "actor required"}
	}
	if !task.CanTransition(from, to) {
		reason := fmt.Sprintf("illegal transition %s -> %s", from, to)
		audit.Record(ctx, "deny", action, reason, "actor:"+actor)
		return &ViolationError{Kind: ViolationStatus, Tool: "task.transition", Reason: reason}
	}
	audit.Record(ctx, "allow", action, "", "actor:"+actor)
	return nil
}

func (e *Engine) deny(ctx context.Context, call ToolCall, dec Decision, kind ViolationKind, reason string) (Decision, error) {
	reason = shared.Redact(reason)
	dec.Allowed = false
	dec.Reason = reason
	audit.Record(ctx, "deny", call.Tool, reason, "task:"+call.TaskID)
	e.publishViolation(call, kind, reason)
	return dec, &ViolationError{Kind: kind, Tool: call.Tool, TaskID: call.TaskID, Reason: reason}
}

// failResult records a failed tool.result and returns the typed violation.
// A scan hit after execution must never look like a silent pass.
func (e *Engine) failResult(ctx context.Context, call ToolCall, kind ViolationKind, reason string) error {
	reason = shared.Redact(reason)
	payload := task.MarshalPayload(task.ToolPayload{Tool: call.Tool, Outcome: "failed", Reason: reason})
	if _, err := e.store.Append(ctx, call.TaskID, task.KindToolResult, payload); err != nil {
		slog.Warn("record failed tool.result", "task_id", call.TaskID, "error", err)
	}
	audit.Record(ctx, "deny", call.Tool+" output", reason, "task:"+call.TaskID)
	e.publishViolation(call, kind, reason)
	return &ViolationError{Kind: kind, Tool: call.Tool, TaskID: call.TaskID, Reason: reason}
}

func (e *Engine) publishViolation(call ToolCall, kind ViolationKind, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicPolicyViolation, bus.ViolationMsg{
		TaskID:  call.TaskID,
		AgentID: call.AgentID,
		Tool:    call.Tool,
		Kind:    string(kind),
		Reason:  reason,
	})
}

// statusAdmits reports whether a task in the given status may run the tool
// at all. Write tools additionally require an implementer on a claimed or
// active task.
func statusAdmits(status task.Status, role task.Role, tool string) (bool, string) {
	switch status {
	case task.StatusClaimed, task.StatusActive, task.StatusCodeReview, task.StatusQa:
	default:
		return false, fmt.Sprintf("status %s does not admit tool calls", status)
	}
	if WritesFiles(tool) && !task.WriteAllowed(status, role) {
		return false, fmt.Sprintf("role %s may not run write tool %s while %s", role, tool, status)
	}
	return true, ""
}

// insideSandbox verifies every target path stays under the worktree root.
// Symlinks are resolved first so a link out of the tree cannot smuggle a
// write; for files that do not exist yet the parent directory is resolved
// instead.
func insideSandbox(worktree string, paths []string) (bool, string) {
	if len(paths) == 0 {
		return true, ""
	}
	if strings.TrimSpace(worktree) == "" {
		return false, "no worktree assigned"
	}
	root, err := filepath.Abs(worktree)
	if err != nil {
		return false, "worktree does not resolve"
	}
	if eval, evalErr := filepath.EvalSymlinks(root); evalErr == nil {
		root = eval
	}
	for _, p := range paths {
		target := p
		if !filepath.IsAbs(target) {
			target = filepath.Join(worktree, target)
		}
		resolved, err := filepath.EvalSymlinks(target)
		if err != nil {
			resolved, err = filepath.EvalSymlinks(filepath.Dir(target))
			if err != nil {
				return false, fmt.Sprintf("path %q does not resolve", p)
			}
			resolved = filepath.Join(resolved, filepath.Base(target))
		}
		resolved, err = filepath.Abs(resolved)
		if err != nil {
			return false, fmt.Sprintf("path %q does not resolve", p)
		}
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return false, fmt.Sprintf("path %q escapes the worktree", p)
		}
	}
	return true, ""
}

// argsCarrySecrets scans argument values for credential material. Secrets
// never belong in tool arguments; accounts are referenced by vault_ref.
func (e *Engine) argsCarrySecrets(args map[string]string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if warnings := e.leaks.Scan(args[k]); len(warnings) > 0 {
			return fmt.Sprintf("arg %q carries %s", k, warnings[0].Pattern), true
		}
	}
	return "", false
}

func validateArgs(schema *jsonschema.Schema, args map[string]string) error {
	doc := make(map[string]any, len(args))
	for k, v := range args {
		doc[k] = v
	}
	return schema.Validate(doc)
}
