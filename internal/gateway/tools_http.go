package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/hivegate/internal/bus"
	"github.com/google/uuid"
)

// ToolsStage claims POST /tools/invoke: an authenticated fire-and-forget way
// for local automation to queue a tool job for connected nodes.
func (s *Server) ToolsStage(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != "/tools/invoke" {
		return false
	}
	defer s.recordDuration(r.Context(), "tools.invoke", time.Now())
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return true
	}
	res := s.resolver.Resolve(r)
	if !res.OK {
		if res.RateLimited {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return true
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return true
	}

	var req struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		http.Error(w, "tool required", http.StatusBadRequest)
		return true
	}

	jobID := uuid.NewString()
	s.cfg.Bus.Publish(bus.TopicToolRequested, bus.ToolJob{
		JobID: jobID,
		Tool:  req.Tool,
		Args:  req.Args,
	})
	slog.Info("tools: job queued", "job_id", jobID, "tool", req.Tool)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"job_id": jobID})
	return true
}
