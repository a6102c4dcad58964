package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/basket/hivegate/internal/bus"
	"github.com/basket/hivegate/internal/config"
	"github.com/basket/hivegate/internal/gateway"
)

// fakeDispatcher records dispatched messages and hands out run ids. A
// delegate, when set, takes over entirely.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []dispatchCall
	next     int
	err      error
	delegate gateway.Dispatcher
}

type dispatchCall struct {
	Agent      string
	SessionKey string
	Text       string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, agent, sessionKey, text string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delegate != nil {
		return d.delegate.Dispatch(ctx, agent, sessionKey, text)
	}
	if d.err != nil {
		return "", d.err
	}
	d.calls = append(d.calls, dispatchCall{Agent: agent, SessionKey: sessionKey, Text: text})
	d.next++
	return fmt.Sprintf("run-%d", d.next), nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func testHooksConfig() config.HooksConfig {
	return config.HooksConfig{
		BasePath:          "/hooks",
		Token:             "hook-secret",
		MaxBodyBytes:      1 << 20,
		BodyReadTimeoutMS: 5000,
	}
}

func newTestPipeline(t *testing.T, cfg config.HooksConfig, disp gateway.Dispatcher) (*gateway.HookPipeline, *bus.Bus) {
	t.Helper()
	b := bus.New()
	rl := config.RateLimitConfig{Limit: 20, WindowSeconds: 60, MaxKeys: 2048}
	hp, err := gateway.NewHookPipeline(cfg, rl, disp, b, nil)
	if err != nil {
		t.Fatalf("NewHookPipeline: %v", err)
	}
	return hp, b
}

func TestHooksUnclaimedPath(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	req := httptest.NewRequest("POST", "/other", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	if hp.Handle(rec, req) {
		t.Fatal("pipeline claimed a path outside its base")
	}
	// Prefix matching is segment-aware: /hooksmore is not under /hooks.
	req = httptest.NewRequest("POST", "/hooksmore", strings.NewReader("{}"))
	if hp.Handle(httptest.NewRecorder(), req) {
		t.Fatal("pipeline claimed a sibling path sharing the base prefix")
	}
}

func TestHooksQueryTokenRejected(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	// Even a valid token is rejected when sent via query string.
	req := httptest.NewRequest("POST", "/hooks/wake?token=hook-secret",
		strings.NewReader(`{"text":"hi"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	rec := httptest.NewRecorder()
	if !hp.Handle(rec, req) {
		t.Fatal("pipeline did not claim its path")
	}
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHooksInvalidToken(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	req := httptest.NewRequest("POST", "/hooks/wake", strings.NewReader(`{"text":"hi"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)
	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["ok"] != false {
		t.Fatalf("error body = %v, want ok:false", body)
	}
}

func TestHooksRepeatedFailuresThrottled(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	var rec *httptest.ResponseRecorder
	for i := 0; i < 21; i++ {
		req := httptest.NewRequest("POST", "/hooks/wake", strings.NewReader(`{"text":"hi"}`))
		req.RemoteAddr = "203.0.113.9:50000"
		req.Header.Set("Authorization", "Bearer wrong")
		rec = httptest.NewRecorder()
		hp.Handle(rec, req)
		if i < 20 && rec.Code != 401 {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, rec.Code)
		}
	}
	if rec.Code != 429 {
		t.Fatalf("21st attempt: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After")
	}
}

func TestHooksSuccessClearsFailures(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/hooks/wake", strings.NewReader(`{"text":"hi"}`))
		req.RemoteAddr = "203.0.113.9:50000"
		req.Header.Set("Authorization", "Bearer wrong")
		hp.Handle(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest("POST", "/hooks/wake", strings.NewReader(`{"text":"hi"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	hp.Handle(httptest.NewRecorder(), req)

	if hp.Limiter().KeyCount() != 0 {
		t.Fatalf("KeyCount = %d after successful auth, want 0", hp.Limiter().KeyCount())
	}
}

func TestHooksMethodNotAllowed(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	req := httptest.NewRequest("GET", "/hooks/wake", nil)
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)
	if rec.Code != 405 {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHooksEmptySuffix(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	for _, path := range []string{"/hooks", "/hooks/"} {
		req := httptest.NewRequest("POST", path, strings.NewReader("{}"))
		req.RemoteAddr = "203.0.113.9:50000"
		req.Header.Set("Authorization", "Bearer hook-secret")
		rec := httptest.NewRecorder()
		hp.Handle(rec, req)
		if rec.Code != 404 {
			t.Fatalf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestHooksWake(t *testing.T) {
	hp, b := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})
	sub := b.Subscribe(bus.TopicWakeNow)
	defer b.Unsubscribe(sub)

	req := httptest.NewRequest("POST", "/hooks/wake", strings.NewReader(`{"text":"ping"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != true || body["mode"] != "now" {
		t.Fatalf("body = %v, want ok:true mode:now", body)
	}

	ev := <-sub.Ch()
	wake := ev.Payload.(bus.WakeEvent)
	if wake.Text != "ping" || wake.Mode != "now" {
		t.Fatalf("wake event = %+v", wake)
	}
}

func TestHooksWakeQueuedMode(t *testing.T) {
	hp, b := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})
	sub := b.Subscribe(bus.TopicWakeQueued)
	defer b.Unsubscribe(sub)

	req := httptest.NewRequest("POST", "/hooks/wake",
		strings.NewReader(`{"text":"later","mode":"next-heartbeat"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	ev := <-sub.Ch()
	if ev.Payload.(bus.WakeEvent).Mode != "next-heartbeat" {
		t.Fatalf("event = %+v, want queued mode", ev.Payload)
	}
}

func TestHooksWakeValidation(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	for _, body := range []string{`{}`, `{"text":"hi","mode":"whenever"}`} {
		req := httptest.NewRequest("POST", "/hooks/wake", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.9:50000"
		req.Header.Set("Authorization", "Bearer hook-secret")
		rec := httptest.NewRecorder()
		hp.Handle(rec, req)
		if rec.Code != 400 {
			t.Fatalf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestHooksAgent(t *testing.T) {
	disp := &fakeDispatcher{}
	hp, _ := newTestPipeline(t, testHooksConfig(), disp)

	req := httptest.NewRequest("POST", "/hooks/agent",
		strings.NewReader(`{"message":"summarize inbox","agent":"default"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 202 {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != true || body["runId"] != "run-1" {
		t.Fatalf("body = %v, want ok:true runId:run-1", body)
	}
	if disp.callCount() != 1 {
		t.Fatalf("dispatch count = %d, want 1", disp.callCount())
	}
}

func TestHooksAgentAllowList(t *testing.T) {
	cfg := testHooksConfig()
	cfg.AllowedAgents = []string{"default"}
	disp := &fakeDispatcher{}
	hp, _ := newTestPipeline(t, cfg, disp)

	req := httptest.NewRequest("POST", "/hooks/agent",
		strings.NewReader(`{"message":"hi","agent":"rogue"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if disp.callCount() != 0 {
		t.Fatal("disallowed agent was dispatched")
	}
}

func TestHooksAgentDispatchError(t *testing.T) {
	disp := &fakeDispatcher{err: fmt.Errorf("engine down")}
	hp, _ := newTestPipeline(t, testHooksConfig(), disp)

	req := httptest.NewRequest("POST", "/hooks/agent", strings.NewReader(`{"message":"hi"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestHooksOversizeBody(t *testing.T) {
	cfg := testHooksConfig()
	cfg.MaxBodyBytes = 32
	hp, _ := newTestPipeline(t, cfg, &fakeDispatcher{})

	big := fmt.Sprintf(`{"text":%q}`, strings.Repeat("x", 100))
	req := httptest.NewRequest("POST", "/hooks/wake", strings.NewReader(big))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 413 {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHooksMalformedJSON(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	req := httptest.NewRequest("POST", "/hooks/wake", strings.NewReader(`{"text":`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHooksMappedNone(t *testing.T) {
	cfg := testHooksConfig()
	cfg.Mappings = []config.HookMapping{{Path: "ignore-me", Action: "none"}}
	hp, _ := newTestPipeline(t, cfg, &fakeDispatcher{})

	req := httptest.NewRequest("POST", "/hooks/ignore-me", strings.NewReader(`{"anything":1}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 204 {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("204 carried a body: %s", rec.Body.String())
	}
}

func TestHooksMappedUnknownSuffix(t *testing.T) {
	hp, _ := newTestPipeline(t, testHooksConfig(), &fakeDispatcher{})

	req := httptest.NewRequest("POST", "/hooks/nope", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHooksMappedWakeTemplate(t *testing.T) {
	cfg := testHooksConfig()
	cfg.Mappings = []config.HookMapping{{
		Path:     "deploy",
		Action:   "wake",
		Template: "deploy finished: {{payload}}",
	}}
	hp, b := newTestPipeline(t, cfg, &fakeDispatcher{})
	sub := b.Subscribe(bus.TopicWakeNow)
	defer b.Unsubscribe(sub)

	req := httptest.NewRequest("POST", "/hooks/deploy", strings.NewReader(`{"version":"1.2.3"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	ev := <-sub.Ch()
	text := ev.Payload.(bus.WakeEvent).Text
	if !strings.HasPrefix(text, "deploy finished: ") || !strings.Contains(text, "1.2.3") {
		t.Fatalf("rendered text = %q", text)
	}
}

func TestHooksMappedAgentDefaults(t *testing.T) {
	cfg := testHooksConfig()
	cfg.Mappings = []config.HookMapping{{
		Path:       "alerts",
		Action:     "agent",
		Agent:      "ops",
		SessionKey: "alerts",
	}}
	disp := &fakeDispatcher{}
	hp, _ := newTestPipeline(t, cfg, disp)

	req := httptest.NewRequest("POST", "/hooks/alerts", strings.NewReader(`{"text":"disk full"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 202 {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	disp.mu.Lock()
	call := disp.calls[0]
	disp.mu.Unlock()
	if call.Agent != "ops" || call.SessionKey != "alerts" || call.Text != "disk full" {
		t.Fatalf("dispatch call = %+v", call)
	}
}

func TestHooksMappedSchemaValidation(t *testing.T) {
	cfg := testHooksConfig()
	cfg.Mappings = []config.HookMapping{{
		Path:   "strict",
		Action: "wake",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"text"},
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
		},
	}}
	hp, _ := newTestPipeline(t, cfg, &fakeDispatcher{})

	req := httptest.NewRequest("POST", "/hooks/strict", strings.NewReader(`{"other":1}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)
	if rec.Code != 400 {
		t.Fatalf("schema-violating payload: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest("POST", "/hooks/strict", strings.NewReader(`{"text":"ok"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec = httptest.NewRecorder()
	hp.Handle(rec, req)
	if rec.Code != 200 {
		t.Fatalf("conforming payload: status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
}

func TestHooksFirstMatchingMappingWins(t *testing.T) {
	cfg := testHooksConfig()
	cfg.Mappings = []config.HookMapping{
		{Path: "dup", Action: "none"},
		{Path: "dup", Action: "wake"},
	}
	hp, _ := newTestPipeline(t, cfg, &fakeDispatcher{})

	req := httptest.NewRequest("POST", "/hooks/dup", strings.NewReader(`{"text":"hi"}`))
	req.RemoteAddr = "203.0.113.9:50000"
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	hp.Handle(rec, req)

	if rec.Code != 204 {
		t.Fatalf("status = %d, want 204 from the first rule", rec.Code)
	}
}
