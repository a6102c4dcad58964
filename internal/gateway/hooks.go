package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/hivegate/internal/bus"
	"github.com/basket/hivegate/internal/config"
	"github.com/basket/hivegate/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Dispatcher hands a message to the agent engine and returns a run id.
// The engine itself is an external collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent, sessionKey, text string) (runID string, err error)
}

// HookPipeline authenticates inbound webhook calls and normalizes them into
// wake or agent actions.
type HookPipeline struct {
	cfg        config.HooksConfig
	limiter    *FailureLimiter
	dispatcher Dispatcher
	bus        *bus.Bus

	// callerKey derives the rate-limiter key for a request. Defaults to the
	// peer IP when nil.
	callerKey func(*http.Request) string

	// schemas holds compiled payload schemas, indexed like cfg.Mappings.
	// A nil entry means the mapping carries no schema.
	schemas []*jsonschema.Schema

	// OnDispatch is called with "wake" or "agent" when a hook produces an
	// action. Optional; used to feed metrics.
	OnDispatch func(kind string)
}

// NewHookPipeline compiles mapping schemas up front so a bad schema fails at
// startup, not on the first inbound call.
func NewHookPipeline(cfg config.HooksConfig, rl config.RateLimitConfig, dispatcher Dispatcher, b *bus.Bus, callerKey func(*http.Request) string) (*HookPipeline, error) {
	hp := &HookPipeline{
		cfg:        cfg,
		limiter:    NewFailureLimiter(rl.Limit, time.Duration(rl.WindowSeconds)*time.Second, rl.MaxKeys),
		dispatcher: dispatcher,
		bus:        b,
		callerKey:  callerKey,
		schemas:    make([]*jsonschema.Schema, len(cfg.Mappings)),
	}
	for i, m := range cfg.Mappings {
		if m.Schema == nil {
			continue
		}
		raw, err := json.Marshal(m.Schema)
		if err != nil {
			return nil, fmt.Errorf("hook mapping %q: marshal schema: %w", m.Path, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("hook mapping %q: parse schema: %w", m.Path, err)
		}
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("hook-mapping-%d.json", i)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("hook mapping %q: add schema: %w", m.Path, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("hook mapping %q: compile schema: %w", m.Path, err)
		}
		hp.schemas[i] = sch
	}
	return hp, nil
}

// Limiter exposes the pipeline's failure limiter for tests and status.
func (hp *HookPipeline) Limiter() *FailureLimiter { return hp.limiter }

// Handle processes an inbound request if it falls under the hooks base path.
// Returns false (unclaimed) otherwise.
func (hp *HookPipeline) Handle(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != hp.cfg.BasePath && !strings.HasPrefix(r.URL.Path, hp.cfg.BasePath+"/") {
		return false
	}

	// Query tokens leak into access logs; reject regardless of validity.
	if r.URL.Query().Has("token") {
		writeHookError(w, http.StatusBadRequest, "token must be sent via header, not query string")
		return true
	}

	key := hp.caller(r)
	token := ExtractToken(r)
	if hp.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(hp.cfg.Token)) != 1 {
		v := hp.limiter.RecordFailure(key, time.Now())
		if v.Throttled {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(v.RetryAfter.Seconds())))
			writeHookError(w, http.StatusTooManyRequests, "too many failed attempts")
			return true
		}
		writeHookError(w, http.StatusUnauthorized, "invalid token")
		return true
	}
	hp.limiter.ClearFailure(key)

	if r.Method != http.MethodPost {
		writeHookError(w, http.StatusMethodNotAllowed, "POST required")
		return true
	}

	suffix := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, hp.cfg.BasePath), "/")
	if suffix == "" {
		writeHookError(w, http.StatusNotFound, "unknown hook")
		return true
	}

	payload, status, reason := hp.readBody(w, r)
	if status != 0 {
		writeHookError(w, status, reason)
		return true
	}

	switch suffix {
	case "wake":
		hp.handleWake(w, r, payload)
	case "agent":
		hp.handleAgent(w, r, payload, "", "")
	default:
		hp.handleMapped(w, r, suffix, payload)
	}
	return true
}

func (hp *HookPipeline) caller(r *http.Request) string {
	if hp.callerKey != nil {
		return hp.callerKey(r)
	}
	return peerKey(peerIP(r.RemoteAddr), r.RemoteAddr)
}

// readBody enforces the byte cap and read deadline. Returns a non-zero
// status on failure: 413 oversize, 408 timeout, 400 malformed.
func (hp *HookPipeline) readBody(w http.ResponseWriter, r *http.Request) (map[string]interface{}, int, string) {
	timeout := time.Duration(hp.cfg.BodyReadTimeoutMS) * time.Millisecond
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Now().Add(timeout))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, hp.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, "body too large"
		}
		var netErr net.Error
		if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, http.StatusRequestTimeout, "body read timeout"
		}
		return nil, http.StatusBadRequest, "unreadable body"
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, http.StatusBadRequest, "malformed JSON"
	}
	return payload, 0, ""
}

func (hp *HookPipeline) handleWake(w http.ResponseWriter, r *http.Request, payload map[string]interface{}) {
	text, _ := payload["text"].(string)
	mode, _ := payload["mode"].(string)
	if mode == "" {
		mode = "now"
	}
	if text == "" || (mode != "now" && mode != "next-heartbeat") {
		writeHookError(w, http.StatusBadRequest, "wake requires text and mode now|next-heartbeat")
		return
	}

	ev := bus.WakeEvent{Text: text, Mode: mode, Source: r.URL.Path}
	if mode == "now" {
		hp.bus.Publish(bus.TopicWakeNow, ev)
	} else {
		hp.bus.Publish(bus.TopicWakeQueued, ev)
	}
	if hp.OnDispatch != nil {
		hp.OnDispatch("wake")
	}
	slog.Info("hook: wake dispatched", "mode", mode)
	writeHookJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mode": mode})
}

// handleAgent validates and dispatches an agent message. mappingAgent and
// mappingSessionKey carry defaults from a matched mapping rule, empty for the
// reserved /agent route.
func (hp *HookPipeline) handleAgent(w http.ResponseWriter, r *http.Request, payload map[string]interface{}, mappingAgent, mappingSessionKey string) {
	message, _ := payload["message"].(string)
	if message == "" {
		message, _ = payload["text"].(string)
	}
	if message == "" {
		writeHookError(w, http.StatusBadRequest, "agent requires a non-empty message")
		return
	}

	agent, _ := payload["agent"].(string)
	if agent == "" {
		agent = mappingAgent
	}
	if !hp.agentAllowed(agent) {
		writeHookError(w, http.StatusBadRequest, fmt.Sprintf("agent %q not allowed by policy", agent))
		return
	}

	sessionKey, _ := payload["sessionKey"].(string)
	if sessionKey == "" {
		sessionKey = mappingSessionKey
	}
	if sessionKey == "" {
		sessionKey = hp.cfg.DefaultSessionKey
	}
	if sessionKey == "" {
		sessionKey = shared.DefaultSessionKey
	}

	runID, err := hp.dispatcher.Dispatch(r.Context(), agent, sessionKey, message)
	if err != nil {
		slog.Error("hook: agent dispatch failed", "agent", agent, "error", err)
		writeHookError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	if hp.OnDispatch != nil {
		hp.OnDispatch("agent")
	}
	hp.bus.Publish(bus.TopicRunDispatched, bus.RunEvent{RunID: runID, SessionKey: sessionKey, Agent: agent, Text: message})
	slog.Info("hook: agent dispatched", "agent", agent, "run_id", runID, "session_key", sessionKey)
	writeHookJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "runId": runID})
}

// handleMapped evaluates the ordered mapping rules; first match wins. Rule
// evaluation panics become a 500 without internal detail.
func (hp *HookPipeline) handleMapped(w http.ResponseWriter, r *http.Request, suffix string, payload map[string]interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("hook: mapping evaluation panic", "suffix", suffix, "panic", rec)
			writeHookError(w, http.StatusInternalServerError, "internal error")
		}
	}()

	for i, m := range hp.cfg.Mappings {
		if m.Path != suffix {
			continue
		}
		if sch := hp.schemas[i]; sch != nil {
			if err := sch.Validate(toSchemaValue(payload)); err != nil {
				writeHookError(w, http.StatusBadRequest, "payload does not match hook schema")
				return
			}
		}
		switch m.Action {
		case "none":
			w.WriteHeader(http.StatusNoContent)
		case "wake":
			text := renderTemplate(m.Template, payload)
			if text == "" {
				writeHookError(w, http.StatusBadRequest, "mapping produced empty wake text")
				return
			}
			wakePayload := map[string]interface{}{"text": text, "mode": "now"}
			hp.handleWake(w, r, wakePayload)
		case "agent":
			text := renderTemplate(m.Template, payload)
			if text != "" {
				payload = map[string]interface{}{"message": text}
			}
			hp.handleAgent(w, r, payload, m.Agent, m.SessionKey)
		default:
			// Config validation rejects unknown actions; reaching this is a bug.
			writeHookError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeHookError(w, http.StatusNotFound, "unknown hook")
}

func (hp *HookPipeline) agentAllowed(agent string) bool {
	if len(hp.cfg.AllowedAgents) == 0 {
		return true
	}
	for _, allowed := range hp.cfg.AllowedAgents {
		if agent == allowed {
			return true
		}
	}
	return false
}

// renderTemplate expands "{{payload}}" to the raw JSON body; other non-empty
// templates are used verbatim; empty falls back to the payload's text field.
func renderTemplate(tmpl string, payload map[string]interface{}) string {
	if tmpl == "" {
		text, _ := payload["text"].(string)
		return text
	}
	if strings.Contains(tmpl, "{{payload}}") {
		raw, err := json.Marshal(payload)
		if err != nil {
			return tmpl
		}
		return strings.ReplaceAll(tmpl, "{{payload}}", string(raw))
	}
	return tmpl
}

// toSchemaValue round-trips through encoding/json so the validator sees the
// exact types it expects (json.Number is not needed; float64 is fine).
func toSchemaValue(payload map[string]interface{}) interface{} {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return payload
	}
	return v
}

func writeHookJSON(w http.ResponseWriter, status int, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeHookError(w http.ResponseWriter, status int, reason string) {
	writeHookJSON(w, status, map[string]interface{}{"ok": false, "error": reason})
}
