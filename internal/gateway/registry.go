package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultQueueDepth bounds each session's outbound queue.
const defaultQueueDepth = 64

// Role values negotiated at connect time.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
	RoleDevice   = "device"
)

// event is one queued outbound notification.
type event struct {
	Method  string
	Payload interface{}
}

// WriteFunc delivers one encoded event to the session's transport.
type WriteFunc func(ctx context.Context, payload interface{}) error

// Session is one live duplex connection tracked by the registry.
type Session struct {
	ID       string
	RemoteIP string
	Role     string
	Scopes   map[Scope]struct{}

	writeFn  WriteFunc
	outbound chan event
	done     chan struct{}
	closeOne sync.Once

	activityMu   sync.Mutex
	lastActivity time.Time

	// dedupe holds the last-seen state version per broadcast topic.
	dedupeMu sync.Mutex
	dedupe   map[string]int64
}

// NewSession builds a session with a buffered outbound queue. The writer
// goroutine is started by Registry.Add.
func NewSession(id, remoteIP, role string, scopes map[Scope]struct{}, queueDepth int, writeFn WriteFunc) *Session {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Session{
		ID:           id,
		RemoteIP:     remoteIP,
		Role:         role,
		Scopes:       scopes,
		writeFn:      writeFn,
		outbound:     make(chan event, queueDepth),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
		dedupe:       make(map[string]int64),
	}
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

// shouldDeliver enforces monotonic per-topic versions: an event is delivered
// only if its version is strictly newer than the recorded high-water mark.
func (s *Session) shouldDeliver(topic string, version int64) bool {
	if topic == "" {
		return true
	}
	s.dedupeMu.Lock()
	defer s.dedupeMu.Unlock()
	if last, ok := s.dedupe[topic]; ok && version <= last {
		return false
	}
	s.dedupe[topic] = version
	return true
}

// close shuts down the writer. Idempotent.
func (s *Session) close() {
	s.closeOne.Do(func() { close(s.done) })
}

// runWriter drains the outbound queue in FIFO order so per-connection
// ordering holds regardless of which goroutine enqueued the event.
func (s *Session) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev := <-s.outbound:
			if err := s.writeFn(ctx, map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  ev.Method,
				"params":  ev.Payload,
			}); err != nil {
				slog.Error("ws: session write error", "conn_id", s.ID, "method", ev.Method, "error", err)
			}
		}
	}
}

// BroadcastOpts controls delivery of one broadcast.
type BroadcastOpts struct {
	// DropIfSlow skips recipients whose outbound queue is full instead of
	// blocking. Slow consumers lose updates; the gateway never stalls.
	DropIfSlow bool

	// Topic and Version enable monotonic dedupe: the event is delivered to a
	// session only if Version is strictly newer than the session's last-seen
	// version for Topic.
	Topic   string
	Version int64
}

// Registry owns the set of live sessions and the broadcast primitives.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc

	drops atomic.Int64

	// OnDrop is called when a DropIfSlow broadcast skips a session.
	// Optional; used to feed metrics.
	OnDrop func(sessionID, method string)
}

// NewRegistry creates an empty registry. Writer goroutines run until Close.
func NewRegistry() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers a session and starts its writer. Adding an already-present
// id is a no-op.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; ok {
		r.mu.Unlock()
		return
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()
	go s.runWriter(r.ctx)
}

// Remove deregisters a session and stops its writer. Removing an absent id
// is a no-op. Called synchronously from the connection close path.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Drops returns the total number of events dropped for slow sessions.
func (r *Registry) Drops() int64 {
	return r.drops.Load()
}

// HasNodeAtIP reports whether an authenticated node-role session exists at
// the given IP. Consulted by the auth resolver's IP-fallback rule.
func (r *Registry) HasNodeAtIP(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Role == RoleNode && s.RemoteIP == ip {
			return true
		}
	}
	return false
}

// Sessions returns a snapshot of live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast fans an event out to every live session.
func (r *Registry) Broadcast(method string, payload interface{}, opts BroadcastOpts) {
	r.deliver(r.Sessions(), method, payload, opts)
}

// BroadcastTo fans an event out to the named sessions only. Unknown ids are
// skipped.
func (r *Registry) BroadcastTo(ids []string, method string, payload interface{}, opts BroadcastOpts) {
	targets := make([]*Session, 0, len(ids))
	r.mu.RLock()
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	r.deliver(targets, method, payload, opts)
}

// deliver enqueues outside the registry lock; per-recipient failures never
// abort the loop. A dead session is reaped by the connection close path.
func (r *Registry) deliver(targets []*Session, method string, payload interface{}, opts BroadcastOpts) {
	ev := event{Method: method, Payload: payload}
	for _, s := range targets {
		if !s.shouldDeliver(opts.Topic, opts.Version) {
			continue
		}
		if opts.DropIfSlow {
			select {
			case s.outbound <- ev:
			case <-s.done:
			default:
				r.drops.Add(1)
				if r.OnDrop != nil {
					r.OnDrop(s.ID, method)
				}
				slog.Debug("ws: dropped event for slow session", "conn_id", s.ID, "method", method)
			}
			continue
		}
		select {
		case s.outbound <- ev:
		case <-s.done:
		}
	}
}

// Close stops all writers.
func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	for id, s := range r.sessions {
		s.close()
		delete(r.sessions, id)
	}
	r.mu.Unlock()
}
