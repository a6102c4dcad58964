package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/hivegate/internal/bus"
	"github.com/basket/hivegate/internal/shared"
)

// OpenAIStage claims /v1/models and /v1/chat/completions. The shim lets any
// OpenAI-compatible client talk to the agent engine without knowing the WS
// protocol.
func (s *Server) OpenAIStage(w http.ResponseWriter, r *http.Request) bool {
	switch r.URL.Path {
	case "/v1/models":
		defer s.recordDuration(r.Context(), "openai.models", time.Now())
		s.handleOpenAIModels(w, r)
		return true
	case "/v1/chat/completions":
		defer s.recordDuration(r.Context(), "openai.completions", time.Now())
		s.handleOpenAIChatCompletion(w, r)
		return true
	}
	return false
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.openAIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	res := s.resolver.Resolve(r)
	if !res.OK {
		s.openAIError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}

	resp := ModelListResponse{
		Object: "list",
		Data: []Model{
			{ID: "hivegate-v1", Object: "model", Created: 1677610602, OwnedBy: "hivegate"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("openai: failed to write models response", "error", err)
	}
}

func (s *Server) handleOpenAIChatCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.openAIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	res := s.resolver.Resolve(r)
	if !res.OK {
		if res.RateLimited {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())))
			s.openAIError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many failed attempts")
			return
		}
		s.openAIError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.openAIError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON")
		return
	}

	agent := ""
	if strings.HasPrefix(req.Model, "agent:") {
		agent = strings.TrimPrefix(req.Model, "agent:")
	}

	if len(req.Messages) == 0 {
		s.openAIError(w, http.StatusBadRequest, "invalid_request_error", "Messages list is empty")
		return
	}
	lastMsg := req.Messages[len(req.Messages)-1]
	if lastMsg.Role != "user" {
		s.openAIError(w, http.StatusBadRequest, "invalid_request_error", "Last message must be from user")
		return
	}
	prompt := lastMsg.Content

	// The OpenAI API is stateless; the engine is stateful. The "user" field
	// (when present) maps to a stable session key so history persists.
	sessionKey := shared.DefaultSessionKey
	if req.User != "" {
		sessionKey = "openai-" + req.User
	}

	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)

	// Subscribe before dispatch so the first delta cannot be missed.
	var sub *bus.Subscription
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe("run.")
		defer s.cfg.Bus.Unsubscribe(sub)
	}

	runID, err := s.cfg.Dispatcher.Dispatch(ctx, agent, sessionKey, prompt)
	if err != nil {
		s.openAIError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if s.cfg.Store != nil {
		_ = s.cfg.Store.RecordRun(ctx, runID, agent, sessionKey, "openai")
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RunsDispatched.Add(ctx, 1)
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicRunDispatched, bus.RunEvent{
			RunID: runID, SessionKey: sessionKey, Agent: agent, Text: prompt,
		})
	}

	if req.Stream {
		s.streamOpenAICompletion(w, r, req, sub, runID, traceID)
		return
	}
	s.collectOpenAICompletion(w, r, req, sub, runID, traceID)
}

// streamOpenAICompletion relays run deltas as SSE chunks until the run ends.
func (s *Server) streamOpenAICompletion(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest, sub *bus.Subscription, runID, traceID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.openAIError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	var mu sync.Mutex
	writeSSE := func(resp ChatCompletionResponse) {
		b, _ := json.Marshal(resp)
		mu.Lock()
		fmt.Fprintf(w, "data: %s\n\n", string(b))
		flusher.Flush()
		mu.Unlock()
	}

	completionChars := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			re, ok := ev.Payload.(bus.RunEvent)
			if !ok || re.RunID != runID {
				continue
			}
			switch ev.Topic {
			case bus.TopicRunDelta:
				completionChars += len(re.Text)
				writeSSE(ChatCompletionResponse{
					ID:      "chatcmpl-" + traceID,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   req.Model,
					Choices: []ChatCompletionChoice{
						{
							Index: 0,
							Delta: &ChatCompletionMessage{Role: "assistant", Content: re.Text},
						},
					},
				})
			case bus.TopicRunCompleted, bus.TopicRunFailed, bus.TopicRunAborted:
				reason := "stop"
				if ev.Topic != bus.TopicRunCompleted {
					reason = "error"
				}
				writeSSE(ChatCompletionResponse{
					ID:      "chatcmpl-" + traceID,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   req.Model,
					Choices: []ChatCompletionChoice{
						{Index: 0, Delta: &ChatCompletionMessage{}, FinishReason: strPtr(reason)},
					},
					Usage: &Usage{CompletionTokens: completionChars / 4, TotalTokens: completionChars / 4},
				})
				mu.Lock()
				fmt.Fprintf(w, "data: [DONE]\n\n")
				flusher.Flush()
				mu.Unlock()
				return
			}
		}
	}
}

// collectOpenAICompletion aggregates deltas and answers once the run ends.
func (s *Server) collectOpenAICompletion(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest, sub *bus.Subscription, runID, traceID string) {
	var reply strings.Builder
	for {
		select {
		case <-r.Context().Done():
			s.openAIError(w, http.StatusGatewayTimeout, "client_disconnected", "Client closed connection")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				s.openAIError(w, http.StatusInternalServerError, "internal_error", "event stream closed")
				return
			}
			re, ok := ev.Payload.(bus.RunEvent)
			if !ok || re.RunID != runID {
				continue
			}
			switch ev.Topic {
			case bus.TopicRunDelta:
				reply.WriteString(re.Text)
			case bus.TopicRunFailed, bus.TopicRunAborted:
				s.openAIError(w, http.StatusInternalServerError, "run_failed", fmt.Sprintf("Run failed: %s", re.ErrorKind))
				return
			case bus.TopicRunCompleted:
				text := reply.String()
				if re.Text != "" {
					text = re.Text
				}
				resp := ChatCompletionResponse{
					ID:      "chatcmpl-" + traceID,
					Object:  "chat.completion",
					Created: time.Now().Unix(),
					Model:   req.Model,
					Choices: []ChatCompletionChoice{
						{
							Index:        0,
							Message:      &ChatCompletionMessage{Role: "assistant", Content: text},
							FinishReason: strPtr("stop"),
						},
					},
					Usage: &Usage{CompletionTokens: len(text) / 4, TotalTokens: len(text) / 4},
				}
				w.Header().Set("Content-Type", "application/json")
				if err := json.NewEncoder(w).Encode(resp); err != nil {
					slog.Warn("openai: failed to write response", "error", err)
				}
				return
			}
		}
	}
}

func (s *Server) openAIError(w http.ResponseWriter, status int, code, message string) {
	// Derive the error type from HTTP status per OpenAI conventions.
	errType := "server_error"
	switch {
	case status == http.StatusBadRequest, status == http.StatusMethodNotAllowed:
		errType = "invalid_request_error"
	case status == http.StatusUnauthorized:
		errType = "authentication_error"
	case status == http.StatusForbidden:
		errType = "permission_error"
	case status == http.StatusNotFound:
		errType = "not_found_error"
	case status == http.StatusTooManyRequests:
		errType = "rate_limit_error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errResp := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    code,
		},
	}
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		slog.Warn("openai: failed to write error response", "error", err)
	}
}

func strPtr(s string) *string { return &s }
