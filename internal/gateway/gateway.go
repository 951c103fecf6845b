// Package gateway exposes the daemon over JSON-RPC 2.0 on a WebSocket,
// plus health and metrics endpoints for probes. It is the only network
// surface; everything it does goes through the same stores and gates the
// agents use.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/crewline/crewd/internal/accounts"
	"github.com/crewline/crewd/internal/approval"
	"github.com/crewline/crewd/internal/audit"
	"github.com/crewline/crewd/internal/bus"
	"github.com/crewline/crewd/internal/deadletter"
	"github.com/crewline/crewd/internal/eventlog"
	"github.com/crewline/crewd/internal/policy"
	"github.com/crewline/crewd/internal/scheduler"
	"github.com/crewline/crewd/internal/shared"
	"github.com/crewline/crewd/internal/task"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid      = 1000
	ErrCodePolicy       = 4030
	ErrCodeNotFound     = 4040
	ErrCodeBackpressure = 4290

	maxReplayEventsPerSubscribe = 500
)

type Config struct {
	Store       *eventlog.Store
	Pool        *accounts.Pool
	Scheduler   *scheduler.Scheduler
	Policy      *policy.Engine
	Trust       *policy.TrustStore
	Approvals   *approval.Broker
	DeadLetters *deadletter.Pump // nil = dead letter RPCs unavailable
	Bus         *bus.Bus

	AuthToken string

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in
	// system.status so operators can spot drift.
	ConfigFingerprint string

	// FixturesPath is the policy fixture file run by policy.test.
	FixturesPath string
}

type Server struct {
	cfg Config

	startedAt time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	// Event subscription state for task.events.subscribe.
	subMu           sync.Mutex
	subscribedTasks map[string]int64 // task_id -> last forwarded seq
	busSub          *bus.Subscription
	busCancel       context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	return &Server{
		cfg:       cfg,
		startedAt: time.Now().UTC(),
		clients:   map[*client]struct{}{},
	}
}

// Start launches the approval broadcast pump. It returns immediately; the
// pump stops when ctx is canceled.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Bus != nil {
		go s.forwardApprovals(ctx)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	counts, err := s.cfg.Store.StatusCounts(ctx)
	if err != nil {
		dbOK = false
	}
	var open int
	for status, n := range counts {
		if !status.Terminal() {
			open += n
		}
	}

	payload := map[string]any{
		"healthy":           dbOK,
		"db_ok":             dbOK,
		"open_tasks":        open,
		"queue_length":      s.cfg.Scheduler.Status().QueueLength,
		"pending_approvals": s.cfg.Approvals.PendingCount(),
		"risk_version":      s.cfg.Policy.RiskVersion(),
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := context.Background()
	st := s.cfg.Scheduler.Status()
	counts, _ := s.cfg.Store.StatusCounts(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP crewd_queue_length Requests waiting for dispatch.\n")
	fmt.Fprintf(w, "# TYPE crewd_queue_length gauge\n")
	fmt.Fprintf(w, "crewd_queue_length %d\n", st.QueueLength)
	fmt.Fprintf(w, "# HELP crewd_waiting_retry Requests parked for backoff.\n")
	fmt.Fprintf(w, "# TYPE crewd_waiting_retry gauge\n")
	fmt.Fprintf(w, "crewd_waiting_retry %d\n", st.WaitingRetry)
	fmt.Fprintf(w, "# HELP crewd_dispatched_total Grants handed out since start.\n")
	fmt.Fprintf(w, "# TYPE crewd_dispatched_total counter\n")
	fmt.Fprintf(w, "crewd_dispatched_total %d\n", st.Dispatched)
	fmt.Fprintf(w, "# HELP crewd_exhausted_total Requests that ran out of dispatch budget.\n")
	fmt.Fprintf(w, "# TYPE crewd_exhausted_total counter\n")
	fmt.Fprintf(w, "crewd_exhausted_total %d\n", st.Exhausted)
	fmt.Fprintf(w, "# HELP crewd_policy_deny_total Policy denials since start.\n")
	fmt.Fprintf(w, "# TYPE crewd_policy_deny_total counter\n")
	fmt.Fprintf(w, "crewd_policy_deny_total %d\n", audit.DenyCount())
	fmt.Fprintf(w, "# HELP crewd_pending_approvals Tool calls waiting on a human.\n")
	fmt.Fprintf(w, "# TYPE crewd_pending_approvals gauge\n")
	fmt.Fprintf(w, "crewd_pending_approvals %d\n", s.cfg.Approvals.PendingCount())
	fmt.Fprintf(w, "# HELP crewd_tasks Task count by status.\n")
	fmt.Fprintf(w, "# TYPE crewd_tasks gauge\n")
	for status, n := range counts {
		fmt.Fprintf(w, "crewd_tasks{status=%q} %d\n", string(status), n)
	}
	fmt.Fprintf(w, "# HELP crewd_accounts_available Provider accounts currently in rotation.\n")
	fmt.Fprintf(w, "# TYPE crewd_accounts_available gauge\n")
	var available int
	for _, acct := range s.cfg.Pool.Snapshot(time.Now()) {
		if acct.Available && !acct.Usage.Limited {
			available++
		}
	}
	fmt.Fprintf(w, "crewd_accounts_available %d\n", available)
	fmt.Fprintf(w, "# HELP crewd_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE crewd_alloc_bytes gauge\n")
	fmt.Fprintf(w, "crewd_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin requires an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	slog.Info("ws client connected")
	defer func() {
		s.removeClient(c)
		slog.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		slog.Debug("ws request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			slog.Warn("ws write response failed", "method", req.Method, "error", err)
		}
	}
}

// authorize checks the bearer token. An unset token denies everything:
// the daemon generates one at genesis, so an empty value is a broken
// config, not an open door.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func isMutatingMethod(method string) bool {
	switch method {
	case "task.create", "task.transition", "tool.approve", "tool.reject", "dead_letter.retry":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol":      "crewd",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}

	case "system.status":
		counts, err := s.cfg.Store.StatusCounts(ctx)
		dbOK := err == nil
		tasks := make(map[string]int, len(counts))
		for status, n := range counts {
			tasks[string(status)] = n
		}
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		result = map[string]any{
			"healthy":           dbOK,
			"db_ok":             dbOK,
			"tasks":             tasks,
			"scheduler":         s.cfg.Scheduler.Status(),
			"pending_approvals": s.cfg.Approvals.PendingCount(),
			"risk_version":      s.cfg.Policy.RiskVersion(),
			"config_hash":       s.cfg.ConfigFingerprint,
			"memory_alloc":      mem.Alloc,
			"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
			"time_unix":         time.Now().Unix(),
		}

	case "scheduler.status":
		st := s.cfg.Scheduler.Status()
		// Snapshot exposes account identity and usage only. Credentials
		// stay in the operator's vault; not even the vault_ref crosses
		// the wire.
		result = map[string]any{
			"queue_length":        st.QueueLength,
			"queue_next_priority": st.NextPriority,
			"waiting_retry":       st.WaitingRetry,
			"dispatched_total":    st.Dispatched,
			"exhausted_total":     st.Exhausted,
			"accounts":            s.cfg.Pool.Snapshot(time.Now()),
		}

	case "policy.test":
		report, err := s.cfg.Policy.RunFixtures(s.cfg.FixturesPath)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		result = report

	case "trust.pin":
		if s.cfg.Trust == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "trust store not configured"}
			break
		}
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || strings.TrimSpace(p.Path) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "path is required"}
			break
		}
		digest, err := s.cfg.Trust.Pin(ctx, p.Path)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		slog.Info("binary pinned", "path", p.Path, "sha256", digest)
		result = map[string]any{"path": p.Path, "sha256": digest, "pinned": true}

	case "trust.verify":
		if s.cfg.Trust == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "trust store not configured"}
			break
		}
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || strings.TrimSpace(p.Path) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "path is required"}
			break
		}
		if err := s.cfg.Trust.Verify(ctx, p.Path); err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = map[string]any{"path": p.Path, "verified": true}

	case "trust.list":
		if s.cfg.Trust == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "trust store not configured"}
			break
		}
		pins, err := s.cfg.Trust.List(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"binaries": pins}

	case "task.create":
		var p struct {
			TaskID        string `json:"task_id"`
			Payload       string `json:"payload"`
			Actor         string `json:"actor"`
			CorrelationID string `json:"correlation_id"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		taskID := strings.TrimSpace(p.TaskID)
		if taskID == "" {
			taskID = uuid.NewString()
		}
		actor := strings.TrimSpace(p.Actor)
		if actor == "" {
			actor = "gateway"
		}
		correlationID := strings.TrimSpace(p.CorrelationID)
		if correlationID == "" {
			correlationID = shared.NewCorrelationID()
		}
		opCtx := shared.WithCorrelationID(shared.WithActor(ctx, actor), correlationID)
		seq, err := s.cfg.Store.Append(opCtx, taskID, task.KindTaskCreated, p.Payload)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		slog.Info("task created", "task_id", taskID, "actor", actor, "correlation_id", correlationID)
		result = map[string]any{
			"task_id":        taskID,
			"seq":            seq,
			"status":         string(task.StatusCreated),
			"correlation_id": correlationID,
		}

	case "task.transition":
		var p struct {
			TaskID        string `json:"task_id"`
			To            string `json:"to"`
			Actor         string `json:"actor"`
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		if strings.TrimSpace(p.TaskID) == "" || strings.TrimSpace(p.Actor) == "" || strings.TrimSpace(p.CorrelationID) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task_id, actor, and correlation_id are required"}
			break
		}
		to, err := task.ParseStatus(p.To)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		kind, ok := task.StatusKind(to)
		if !ok {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("status %s is not reachable by transition", to)}
			break
		}
		opCtx := shared.WithCorrelationID(shared.WithActor(ctx, p.Actor), p.CorrelationID)
		from, err := s.cfg.Store.Status(opCtx, p.TaskID)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		if err := s.cfg.Policy.AuthorizeTransition(opCtx, from, to, p.Actor); err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		seq, err := s.cfg.Store.Append(opCtx, p.TaskID, kind, "")
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		slog.Info("task transitioned",
			"task_id", p.TaskID, "from", string(from), "to", string(to), "actor", p.Actor)
		result = map[string]any{
			"task_id": p.TaskID,
			"from":    string(from),
			"to":      string(to),
			"seq":     seq,
		}

	case "task.events":
		var p struct {
			TaskID  string `json:"task_id"`
			FromSeq int64  `json:"from_seq"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task_id is required"}
			break
		}
		if _, err := s.cfg.Store.Status(ctx, p.TaskID); err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		events, err := s.cfg.Store.Events(ctx, p.TaskID, p.FromSeq)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		latest := p.FromSeq
		for _, ev := range events {
			if ev.Seq > latest {
				latest = ev.Seq
			}
		}
		result = map[string]any{"events": events, "latest_seq": latest}

	case "task.events.subscribe":
		var p struct {
			TaskID  string `json:"task_id"`
			FromSeq int64  `json:"from_seq"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "task_id is required"}
			break
		}
		if _, err := s.cfg.Store.Status(ctx, p.TaskID); err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		events, err := s.cfg.Store.Events(ctx, p.TaskID, p.FromSeq)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		if len(events) > maxReplayEventsPerSubscribe {
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "system.backpressure",
				Params: map[string]any{
					"task_id":    p.TaskID,
					"reason":     "replay_window_too_large",
					"max_events": maxReplayEventsPerSubscribe,
					"replayed":   len(events),
				},
			})
			_ = c.conn.Close(websocket.StatusPolicyViolation, "backpressure")
			return nil
		}
		latest := p.FromSeq
		for _, ev := range events {
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "task.event",
				Params:  taskEventParams(ev),
			})
			if ev.Seq > latest {
				latest = ev.Seq
			}
		}
		s.subscribeClientToTask(c, p.TaskID, latest)
		result = map[string]any{
			"subscribed": true,
			"replayed":   len(events),
			"latest_seq": latest,
		}

	case "tool.approve", "tool.reject":
		var p struct {
			ApprovalID string `json:"approval_id"`
			DecidedBy  string `json:"decided_by"`
			Reason     string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil ||
			strings.TrimSpace(p.ApprovalID) == "" || strings.TrimSpace(p.DecidedBy) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "approval_id and decided_by are required"}
			break
		}
		approve := req.Method == "tool.approve"
		if err := s.cfg.Approvals.Resolve(ctx, p.ApprovalID, approve, p.DecidedBy, p.Reason); err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		slog.Info("approval decided", "approval_id", p.ApprovalID, "approved", approve, "decided_by", p.DecidedBy)
		result = map[string]any{"approval_id": p.ApprovalID, "approved": approve}

	case "approval.list":
		pending, err := s.cfg.Approvals.Pending(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"approvals": pending}

	case "dead_letter.list":
		if s.cfg.DeadLetters == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "dead letter pump not configured"}
			break
		}
		parked, err := s.cfg.DeadLetters.List(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"dead_letters": parked}

	case "dead_letter.retry":
		if s.cfg.DeadLetters == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "dead letter pump not configured"}
			break
		}
		var p struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID <= 0 {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "id is required"}
			break
		}
		if err := s.cfg.DeadLetters.Retry(ctx, p.ID); err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = map[string]any{"id": p.ID, "replayed": true}

	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// rpcErrorFor maps domain errors onto the stable app error codes.
func rpcErrorFor(err error) *rpcError {
	var violation *policy.ViolationError
	switch {
	case errors.As(err, &violation):
		return &rpcError{Code: ErrCodePolicy, Message: err.Error()}
	case errors.Is(err, eventlog.ErrTaskNotFound),
		errors.Is(err, eventlog.ErrApprovalNotFound),
		errors.Is(err, eventlog.ErrDeadLetterNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, eventlog.ErrApprovalResolved),
		errors.Is(err, eventlog.ErrTaskExists),
		errors.Is(err, eventlog.ErrNotCreated),
		errors.Is(err, os.ErrNotExist):
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	case errors.Is(err, scheduler.ErrQueueSaturated):
		return &rpcError{Code: ErrCodeBackpressure, Message: "queue saturated; retry later"}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func taskEventParams(ev task.Event) map[string]any {
	return map[string]any{
		"task_id":        ev.TaskID,
		"seq":            ev.Seq,
		"at":             ev.At,
		"actor":          ev.Actor,
		"correlation_id": ev.CorrelationID,
		"kind":           string(ev.Kind),
		"payload":        ev.Payload,
	}
}

// forwardApprovals pushes approval lifecycle notifications to every
// connected client so consoles see new requests without polling.
func (s *Server) forwardApprovals(ctx context.Context) {
	sub := s.cfg.Bus.Subscribe("approval.")
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch msg := env.Payload.(type) {
			case bus.ApprovalRequiredMsg:
				s.broadcast("approval.required", map[string]any{
					"approval_id": msg.ApprovalID,
					"task_id":     msg.TaskID,
					"agent_id":    msg.AgentID,
					"tool":        msg.Tool,
					"risk":        msg.Risk,
					"expires_at":  msg.ExpiresAt,
				})
			case bus.ApprovalResolvedMsg:
				s.broadcast("approval.updated", map[string]any{
					"approval_id": msg.ApprovalID,
					"task_id":     msg.TaskID,
					"approved":    msg.Approved,
					"decided_by":  msg.DecidedBy,
					"reason":      msg.Reason,
				})
			}
		}
	}
}

func (s *Server) broadcast(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			slog.Warn("broadcast write failed", "method", method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// subscribeClientToTask registers a client for live event push on a task.
// The first subscription starts the bus listener goroutine for this client.
func (s *Server) subscribeClientToTask(c *client, taskID string, lastSeq int64) {
	if s.cfg.Bus == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subscribedTasks == nil {
		c.subscribedTasks = make(map[string]int64)
	}
	c.subscribedTasks[taskID] = lastSeq

	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe(bus.TopicTaskEvent)
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardTaskEvents(busCtx, c)
	}
}

// forwardTaskEvents pushes appended events for subscribed tasks to one
// client. The bus message only signals; rows are re-read from the store so
// a dropped signal costs latency, never an event.
func (s *Server) forwardTaskEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			msg, ok := env.Payload.(bus.TaskEventMsg)
			if !ok {
				continue
			}

			c.subMu.Lock()
			lastSeq, subscribed := c.subscribedTasks[msg.TaskID]
			c.subMu.Unlock()
			if !subscribed || msg.Seq <= lastSeq {
				continue
			}

			events, err := s.cfg.Store.Events(ctx, msg.TaskID, lastSeq)
			if err != nil || len(events) == 0 {
				continue
			}

			var maxSent int64
			for _, ev := range events {
				_ = c.write(ctx, rpcResponse{
					JSONRPC: "2.0",
					Method:  "task.event",
					Params:  taskEventParams(ev),
				})
				if ev.Seq > maxSent {
					maxSent = ev.Seq
				}
			}
			if maxSent > 0 {
				c.subMu.Lock()
				if maxSent > c.subscribedTasks[msg.TaskID] {
					c.subscribedTasks[msg.TaskID] = maxSent
				}
				c.subMu.Unlock()
			}
		}
	}
}
