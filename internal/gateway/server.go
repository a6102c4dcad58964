package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/hivegate/internal/bus"
	"github.com/basket/hivegate/internal/config"
	"github.com/basket/hivegate/internal/otel"
	"github.com/basket/hivegate/internal/persistence"
	"github.com/basket/hivegate/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid      = 1000
	ErrCodeDenied       = 4030
	ErrCodeBackpressure = 4290

	deltaFlushInterval = 100 * time.Millisecond
)

// ServerConfig wires the gateway's collaborators together.
type ServerConfig struct {
	AuthToken      string
	TrustedProxies []string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	RateLimit  config.RateLimitConfig
	Hooks      config.HooksConfig
	QueueDepth int

	ConfigFingerprint string
	HomeDir           string

	Store      *persistence.Store
	Bus        *bus.Bus
	Dispatcher Dispatcher

	// Metrics is optional; nil disables instrument updates.
	Metrics *otel.Metrics

	// ApprovalTimeout is the duration after which unanswered approval
	// requests default to deny. Zero means 60s.
	ApprovalTimeout time.Duration
}

// Server terminates gateway connections: the WS JSON-RPC surface, the hook
// pipeline, the tool-invocation endpoint, and the OpenAI shim.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	resolver *Resolver
	runs     *ChatRunRegistry
	hooks    *HookPipeline

	approvalsMu sync.Mutex
	approvals   map[string]*approvalRequest

	presenceVersion atomic.Int64
	healthVersion   atomic.Int64
	started         time.Time
}

type approvalRequest struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	done      chan struct{}
}

type client struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	remoteIP string

	sessMu  sync.Mutex
	session *Session
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewServer(cfg ServerConfig) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		registry:  NewRegistry(),
		runs:      NewChatRunRegistry(),
		approvals: map[string]*approvalRequest{},
		started:   time.Now(),
	}
	limiter := NewFailureLimiter(cfg.RateLimit.Limit,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second, cfg.RateLimit.MaxKeys)
	s.resolver = NewResolver(cfg.AuthToken, cfg.TrustedProxies, limiter, s.registry)

	hooks, err := NewHookPipeline(cfg.Hooks, cfg.RateLimit, cfg.Dispatcher, cfg.Bus, s.resolver.EffectiveClientIP)
	if err != nil {
		return nil, err
	}
	hooks.OnDispatch = func(string) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HookDispatches.Add(context.Background(), 1)
		}
	}
	s.hooks = hooks

	s.registry.OnDrop = func(string, string) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.BroadcastDrops.Add(context.Background(), 1)
		}
	}
	return s, nil
}

// Registry exposes the connection registry for wiring and tests.
func (s *Server) Registry() *Registry { return s.registry }

// Runs exposes the chat run registry for the agent engine.
func (s *Server) Runs() *ChatRunRegistry { return s.runs }

// Resolver exposes the auth resolver for collaborator stages.
func (s *Server) Resolver() *Resolver { return s.resolver }

// Stages returns the server's own router stages in priority order: WS
// upgrade, hooks, tool invocation, OpenAI shim, healthz. Collaborator stages
// (channels, canvas, control UI) are appended by the caller.
func (s *Server) Stages() []Stage {
	return []Stage{
		s.WSStage,
		s.hooks.Handle,
		s.ToolsStage,
		s.OpenAIStage,
		s.HealthzStage,
	}
}

// Start launches the bus forwarding loops that turn run and tool events into
// session pushes. Blocks until ctx is done; run in a goroutine.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	runSub := s.cfg.Bus.Subscribe("run.")
	toolSub := s.cfg.Bus.Subscribe("tool.")
	defer s.cfg.Bus.Unsubscribe(runSub)
	defer s.cfg.Bus.Unsubscribe(toolSub)

	ticker := time.NewTicker(deltaFlushInterval)
	defer ticker.Stop()
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for runID := range pending {
				if text, ok := s.runs.FlushDelta(runID, deltaFlushInterval, false); ok {
					s.pushToRunWatchers(runID, "chat.delta", map[string]any{"run_id": runID, "text": text})
				}
			}
		case ev, ok := <-runSub.Ch():
			if !ok {
				return
			}
			re, ok := ev.Payload.(bus.RunEvent)
			if !ok {
				continue
			}
			switch ev.Topic {
			case bus.TopicRunDelta:
				s.runs.AppendDelta(re.RunID, re.Text)
				pending[re.RunID] = struct{}{}
			case bus.TopicRunCompleted, bus.TopicRunFailed, bus.TopicRunAborted:
				if text, flushed := s.runs.FlushDelta(re.RunID, 0, true); flushed {
					s.pushToRunWatchers(re.RunID, "chat.delta", map[string]any{"run_id": re.RunID, "text": text})
				}
				delete(pending, re.RunID)
				s.pushToRunWatchers(re.RunID, "chat.done", map[string]any{
					"run_id": re.RunID,
					"status": strings.TrimPrefix(ev.Topic, "run."),
					"error":  re.ErrorKind,
				})
				s.runs.EndRun(re.RunID)
				if s.cfg.Store != nil {
					status := persistence.RunCompleted
					switch ev.Topic {
					case bus.TopicRunFailed:
						status = persistence.RunFailed
					case bus.TopicRunAborted:
						status = persistence.RunAborted
					}
					_ = s.cfg.Store.FinishRun(context.Background(), re.RunID, status)
				}
			}
		case ev, ok := <-toolSub.Ch():
			if !ok {
				return
			}
			te, ok := ev.Payload.(bus.ToolEvent)
			if !ok {
				continue
			}
			s.pushToRunWatchers(te.RunID, "tool.event", map[string]any{
				"run_id":       te.RunID,
				"tool_call_id": te.ToolCallID,
				"phase":        te.Phase,
				"data":         te.Data,
			})
		}
	}
}

func (s *Server) pushToRunWatchers(runID, method string, params map[string]any) {
	ids := s.runs.ToolRecipients(runID)
	if len(ids) == 0 {
		return
	}
	s.registry.BroadcastTo(ids, method, params, BroadcastOpts{DropIfSlow: true})
}

// Close shuts down all sessions.
func (s *Server) Close() {
	s.registry.Close()
}

func (s *Server) recordDuration(ctx context.Context, route string, start time.Time) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("route", route)))
}

// HealthzStage answers /healthz without auth, like any load balancer expects.
func (s *Server) HealthzStage(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != "/healthz" {
		return false
	}
	dbOK := true
	if s.cfg.Store != nil {
		dbOK = s.cfg.Store.Healthy(r.Context())
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"sessions":       s.registry.Count(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
	return true
}

// WSStage upgrades /ws requests and runs the JSON-RPC loop.
func (s *Server) WSStage(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != "/ws" {
		return false
	}
	res := s.resolver.Resolve(r)
	if !res.OK {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthRejects.Add(r.Context(), 1)
		}
		if res.RateLimited {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return true
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return true
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return true
	}
	c := &client{conn: conn, remoteIP: s.resolver.EffectiveClientIP(r)}
	slog.Info("ws: client connected", "remote_ip", c.remoteIP)
	defer func() {
		s.dropClient(c)
		slog.Info("ws: client disconnecting", "remote_ip", c.remoteIP)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return true
		}
		if sess := c.sess(); sess != nil {
			sess.Touch()
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			slog.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

// dropClient removes the client's session synchronously in the close path.
func (s *Server) dropClient(c *client) {
	sess := c.sess()
	if sess == nil {
		return
	}
	s.registry.Remove(sess.ID)
	s.runs.DropSession(sess.ID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.broadcastPresence(sess, false)
}

func (s *Server) broadcastPresence(sess *Session, online bool) {
	version := s.presenceVersion.Add(1)
	s.registry.Broadcast("presence", map[string]any{
		"conn_id": sess.ID,
		"role":    sess.Role,
		"online":  online,
		"version": version,
	}, BroadcastOpts{DropIfSlow: true, Topic: "presence", Version: version})
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicPresenceChanged, bus.PresenceEvent{
			ConnID: sess.ID, Role: sess.Role, Online: online,
		})
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

	sess := c.sess()
	if req.Method != "connect" && sess == nil {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "connect required before other calls"},
		}
	}
	if req.Method != "connect" && req.Method != "node.invoke.result" {
		if !Authorized(sess.Scopes, req.Method) {
			if !hasID {
				return nil
			}
			return &rpcResponse{
				JSONRPC: "2.0",
				ID:      id,
				Error:   &rpcError{Code: ErrCodeDenied, Message: fmt.Sprintf("scope denied for method %q", req.Method)},
			}
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "connect":
		result, rpcErr = s.handleConnect(c, req.Params)
	case "status":
		result = map[string]any{
			"healthy":        true,
			"sessions":       s.registry.Count(),
			"runs":           s.runs.Count(),
			"dropped_events": s.registry.Drops(),
			"config_hash":    s.cfg.ConfigFingerprint,
			"uptime_seconds": int(time.Since(s.started).Seconds()),
			"time_unix":      time.Now().Unix(),
		}
	case "health":
		version := s.healthVersion.Add(1)
		payload := map[string]any{"healthy": true, "version": version}
		s.registry.Broadcast("health", payload, BroadcastOpts{DropIfSlow: true, Topic: "health", Version: version})
		result = payload
	case "wake":
		var p struct {
			Text string `json:"text"`
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Text == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "text required"}
			break
		}
		if p.Mode == "" {
			p.Mode = "now"
		}
		if p.Mode != "now" && p.Mode != "next-heartbeat" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "mode must be now or next-heartbeat"}
			break
		}
		topic := bus.TopicWakeNow
		if p.Mode == "next-heartbeat" {
			topic = bus.TopicWakeQueued
		}
		s.cfg.Bus.Publish(topic, bus.WakeEvent{Text: p.Text, Mode: p.Mode, Source: "rpc"})
		result = map[string]any{"ok": true, "mode": p.Mode}
	case "chat.send":
		result, rpcErr = s.handleChatSend(ctx, sess, req.Params)
	case "chat.abort":
		var p struct {
			RunID      string `json:"run_id"`
			SessionKey string `json:"session_key"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RunID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "run_id required"}
			break
		}
		if p.SessionKey == "" {
			p.SessionKey = shared.DefaultSessionKey
		}
		entry, ok := s.runs.Remove(sess.ID, p.RunID, p.SessionKey)
		aborted := false
		if ok {
			aborted = s.runs.Abort(entry.EngineRunID)
			s.runs.EndRun(entry.EngineRunID)
			if s.cfg.Store != nil {
				_ = s.cfg.Store.FinishRun(ctx, entry.EngineRunID, persistence.RunAborted)
			}
			s.cfg.Bus.Publish(bus.TopicRunAborted, bus.RunEvent{RunID: entry.EngineRunID, SessionID: sess.ID, SessionKey: p.SessionKey})
		}
		result = map[string]any{"aborted": aborted}
	case "chat.history":
		var p struct {
			SessionKey string `json:"session_key"`
			Limit      int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		runs, err := s.cfg.Store.ListRuns(ctx, p.SessionKey, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"runs": runs}
	case "sessions.list":
		sessions := s.registry.Sessions()
		items := make([]map[string]any, 0, len(sessions))
		for _, sn := range sessions {
			scopes := make([]string, 0, len(sn.Scopes))
			for sc := range sn.Scopes {
				scopes = append(scopes, string(sc))
			}
			items = append(items, map[string]any{
				"conn_id":       sn.ID,
				"remote_ip":     sn.RemoteIP,
				"role":          sn.Role,
				"scopes":        scopes,
				"last_activity": sn.LastActivity(),
			})
		}
		result = map[string]any{"sessions": items}
	case "pair.request":
		var p struct {
			DeviceName string `json:"device_name"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || strings.TrimSpace(p.DeviceName) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "device_name required"}
			break
		}
		pairing, err := s.cfg.Store.CreatePairing(ctx, strings.TrimSpace(p.DeviceName))
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		s.registry.Broadcast("pair.requested", map[string]any{
			"pairing_id":  pairing.ID,
			"device_name": pairing.DeviceName,
			"status":      pairing.Status,
		}, BroadcastOpts{DropIfSlow: true})
		result = pairing
	case "pair.approve":
		result, rpcErr = s.setPairing(ctx, req.Params, persistence.PairingApproved)
	case "pair.revoke":
		result, rpcErr = s.setPairing(ctx, req.Params, persistence.PairingRevoked)
	case "pair.list":
		var p struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pairings, err := s.cfg.Store.ListPairings(ctx, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"pairings": pairings}
	case "approvals.list":
		s.approvalsMu.Lock()
		items := make([]map[string]any, 0, len(s.approvals))
		for _, approval := range s.approvals {
			items = append(items, map[string]any{
				"approval_id": approval.ID,
				"action":      approval.Action,
				"details":     approval.Details,
				"status":      approval.Status,
				"created_at":  approval.CreatedAt,
			})
		}
		s.approvalsMu.Unlock()
		result = map[string]any{"items": items}
	case "approvals.respond":
		var p struct {
			ApprovalID string `json:"approval_id"`
			Decision   string `json:"decision"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ApprovalID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		if err := s.RespondToApproval(p.ApprovalID, p.Decision); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		s.approvalsMu.Lock()
		status := s.approvals[p.ApprovalID].Status
		s.approvalsMu.Unlock()
		result = map[string]any{"approval_id": p.ApprovalID, "status": status}
	case "config.get":
		result = map[string]any{"config_hash": s.cfg.ConfigFingerprint}
	case "config.set":
		var p struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Key == "" || p.Value == nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "key and value are required"}
			break
		}
		if s.cfg.HomeDir == "" {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: "home dir not configured"}
			break
		}
		if err := config.SetValue(s.cfg.HomeDir, p.Key, p.Value); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"key": p.Key, "saved": true}
	case "node.invoke.result":
		// No scope satisfies this method; only the node identity does.
		if sess.Role != RoleNode {
			rpcErr = &rpcError{Code: ErrCodeDenied, Message: "node role required"}
			break
		}
		var p struct {
			RunID      string `json:"run_id"`
			ToolCallID string `json:"tool_call_id"`
			Phase      string `json:"phase"`
			Data       string `json:"data"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RunID == "" || p.Phase == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "run_id and phase required"}
			break
		}
		s.cfg.Bus.Publish(bus.TopicToolEvent, bus.ToolEvent{
			RunID: p.RunID, ToolCallID: p.ToolCallID, Phase: p.Phase, Data: p.Data,
		})
		result = map[string]any{"ok": true}
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

func (s *Server) handleConnect(c *client, params json.RawMessage) (any, *rpcError) {
	if c.sess() != nil {
		return nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "already connected"}
	}
	var p struct {
		Role   string   `json:"role"`
		Scopes []string `json:"scopes"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
		}
	}
	if p.Role == "" {
		p.Role = RoleOperator
	}
	if p.Role != RoleOperator && p.Role != RoleNode && p.Role != RoleDevice {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "role must be operator, node, or device"}
	}

	granted := ScopeSet(ScopesForRole(p.Role))
	// A requested subset narrows the grant; it can never widen it.
	if len(p.Scopes) > 0 {
		narrowed := make(map[Scope]struct{})
		for _, raw := range p.Scopes {
			sc := Scope(raw)
			if _, ok := granted[sc]; ok {
				narrowed[sc] = struct{}{}
			}
		}
		granted = narrowed
	}

	sess := NewSession(uuid.NewString(), c.remoteIP, p.Role, granted, s.cfg.QueueDepth, c.write)
	s.registry.Add(sess)
	c.setSess(sess)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	}
	s.broadcastPresence(sess, true)

	scopes := make([]string, 0, len(granted))
	for sc := range granted {
		scopes = append(scopes, string(sc))
	}
	slog.Info("ws: session connected", "conn_id", sess.ID, "role", p.Role, "scopes", scopes)
	return map[string]any{
		"conn_id":  sess.ID,
		"role":     p.Role,
		"scopes":   scopes,
		"protocol": "hivegate",
		"version":  "1.0",
	}, nil
}

func (s *Server) handleChatSend(ctx context.Context, sess *Session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		RunID      string `json:"run_id"`
		SessionKey string `json:"session_key"`
		Text       string `json:"text"`
		Agent      string `json:"agent"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Text == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "text required"}
	}
	if p.RunID == "" {
		p.RunID = shared.NewRunID()
	}
	if p.SessionKey == "" {
		p.SessionKey = shared.DefaultSessionKey
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	engineRunID, err := s.cfg.Dispatcher.Dispatch(runCtx, p.Agent, p.SessionKey, p.Text)
	if err != nil {
		cancel()
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}

	s.runs.Add(sess.ID, ChatRunEntry{
		ClientRunID: p.RunID,
		SessionKey:  p.SessionKey,
		EngineRunID: engineRunID,
	})
	s.runs.SetAbort(engineRunID, cancel)
	s.runs.AddToolRecipient(engineRunID, sess.ID)

	if s.cfg.Store != nil {
		_ = s.cfg.Store.RecordRun(ctx, engineRunID, p.Agent, p.SessionKey, "ws")
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RunsDispatched.Add(ctx, 1)
	}
	s.cfg.Bus.Publish(bus.TopicRunDispatched, bus.RunEvent{
		RunID: engineRunID, SessionID: sess.ID, SessionKey: p.SessionKey, Agent: p.Agent, Text: p.Text,
	})
	slog.Info("ws: chat.send dispatched", "run_id", engineRunID, "client_run_id", p.RunID, "session_key", p.SessionKey)
	return map[string]any{"run_id": p.RunID, "engine_run_id": engineRunID}, nil
}

func (s *Server) setPairing(ctx context.Context, params json.RawMessage, status string) (any, *rpcError) {
	var p struct {
		PairingID string `json:"pairing_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.PairingID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "pairing_id required"}
	}
	ok, err := s.cfg.Store.SetPairingStatus(ctx, p.PairingID, status)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	if !ok {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "pairing not found"}
	}
	s.registry.Broadcast("pair.updated", map[string]any{
		"pairing_id": p.PairingID,
		"status":     status,
	}, BroadcastOpts{DropIfSlow: true})
	return map[string]any{"pairing_id": p.PairingID, "status": status}, nil
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

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) sess() *Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session
}

func (c *client) setSess(s *Session) {
	c.sessMu.Lock()
	c.session = s
	c.sessMu.Unlock()
}

const defaultApprovalTimeout = 60 * time.Second

func (s *Server) approvalTimeout() time.Duration {
	if s.cfg.ApprovalTimeout > 0 {
		return s.cfg.ApprovalTimeout
	}
	return defaultApprovalTimeout
}

// RequestApproval creates an approval request and blocks until it is
// approved, denied, or the context is cancelled. Used by the agent engine
// for high-risk actions.
func (s *Server) RequestApproval(ctx context.Context, action, details string) (bool, error) {
	approvalID := uuid.NewString()
	record := &approvalRequest{
		ID:        approvalID,
		Action:    action,
		Details:   details,
		Status:    "PENDING",
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	s.approvalsMu.Lock()
	s.approvals[approvalID] = record
	s.approvalsMu.Unlock()

	s.registry.Broadcast("approval.required", map[string]any{
		"approval_id": approvalID,
		"action":      record.Action,
		"details":     record.Details,
		"status":      record.Status,
		"created_at":  record.CreatedAt,
	}, BroadcastOpts{DropIfSlow: true})
	go s.approvalTimeoutDeny(approvalID)

	select {
	case <-record.done:
		s.approvalsMu.Lock()
		status := record.Status
		s.approvalsMu.Unlock()
		return status == "APPROVED", nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// RespondToApproval sets the decision on an existing approval request.
func (s *Server) RespondToApproval(approvalID, decision string) error {
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision != "approve" && decision != "deny" {
		return fmt.Errorf("decision must be approve or deny")
	}
	s.approvalsMu.Lock()
	record, ok := s.approvals[approvalID]
	if !ok {
		s.approvalsMu.Unlock()
		return fmt.Errorf("approval request %q not found", approvalID)
	}
	if decision == "approve" {
		record.Status = "APPROVED"
	} else {
		record.Status = "DENIED"
	}
	select {
	case <-record.done:
	default:
		close(record.done)
	}
	s.approvalsMu.Unlock()
	s.registry.Broadcast("approval.updated", map[string]any{
		"approval_id": approvalID,
		"status":      record.Status,
	}, BroadcastOpts{DropIfSlow: true})
	return nil
}

// approvalTimeoutDeny auto-denies an approval request after timeout.
func (s *Server) approvalTimeoutDeny(approvalID string) {
	time.Sleep(s.approvalTimeout())
	s.approvalsMu.Lock()
	record, ok := s.approvals[approvalID]
	if !ok || record.Status != "PENDING" {
		s.approvalsMu.Unlock()
		return
	}
	record.Status = "DENIED"
	select {
	case <-record.done:
	default:
		close(record.done)
	}
	s.approvalsMu.Unlock()
	s.registry.Broadcast("approval.updated", map[string]any{
		"approval_id": approvalID,
		"status":      "DENIED",
	}, BroadcastOpts{DropIfSlow: true})
	slog.Info("ws: approval auto-denied on timeout", "approval_id", approvalID)
}
