package gateway

import (
	"log/slog"
	"net/http"
)

// Stage is one link in the router chain. It returns true when it has claimed
// (and fully handled) the request.
type Stage func(w http.ResponseWriter, r *http.Request) bool

// Router is the single entry point for every inbound request, plain or
// upgrade. Stages are tried in order; the first claim wins. A panic in any
// stage is converted to a 500 so a misbehaving collaborator never takes the
// process down.
type Router struct {
	stages []Stage
}

func NewRouter(stages ...Stage) *Router {
	return &Router{stages: stages}
}

// Append adds stages to the end of the chain.
func (rt *Router) Append(stages ...Stage) {
	rt.stages = append(rt.stages, stages...)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("router: handler panic", "path", r.URL.Path, "panic", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()
	for _, stage := range rt.stages {
		if stage(w, r) {
			return
		}
	}
	http.NotFound(w, r)
}
