package gateway

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ChatRunEntry is one in-flight agent run bound to a gateway session.
type ChatRunEntry struct {
	SessionID   string
	ClientRunID string
	SessionKey  string
	// EngineRunID is the id the agent engine assigned; abort handles and
	// delta buffers are keyed by it.
	EngineRunID string
	CreatedAt   time.Time
}

// ChatRunRegistry tracks concurrently executing agent runs sharing a session:
// run entries, streaming delta buffers, abort handles, and tool-event
// recipients.
type ChatRunRegistry struct {
	mu   sync.Mutex
	runs map[string]*ChatRunEntry // (sessionID, clientRunID, sessionKey) key

	deltaMu   sync.Mutex
	deltas    map[string]*strings.Builder // run id → coalescing buffer
	lastFlush map[string]time.Time

	abortMu sync.Mutex
	aborts  map[string]context.CancelFunc // run id → cancel

	recipientsMu sync.Mutex
	recipients   map[string]map[string]struct{} // run/tool-call id → conn id set
}

func NewChatRunRegistry() *ChatRunRegistry {
	return &ChatRunRegistry{
		runs:       make(map[string]*ChatRunEntry),
		deltas:     make(map[string]*strings.Builder),
		lastFlush:  make(map[string]time.Time),
		aborts:     make(map[string]context.CancelFunc),
		recipients: make(map[string]map[string]struct{}),
	}
}

func runKey(sessionID, clientRunID, sessionKey string) string {
	return sessionID + "\x00" + clientRunID + "\x00" + sessionKey
}

// Add registers a run. At most one entry exists per (sessionID, clientRunID);
// re-adding replaces the stale entry for the same key.
func (cr *ChatRunRegistry) Add(sessionID string, entry ChatRunEntry) {
	entry.SessionID = sessionID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	cr.mu.Lock()
	cr.runs[runKey(sessionID, entry.ClientRunID, entry.SessionKey)] = &entry
	cr.mu.Unlock()
}

// Remove deletes and returns the entry if present. Removing twice is safe:
// the second call returns (nil, false).
func (cr *ChatRunRegistry) Remove(sessionID, clientRunID, sessionKey string) (*ChatRunEntry, bool) {
	key := runKey(sessionID, clientRunID, sessionKey)
	cr.mu.Lock()
	entry, ok := cr.runs[key]
	if ok {
		delete(cr.runs, key)
	}
	cr.mu.Unlock()
	return entry, ok
}

// Count returns the number of tracked runs.
func (cr *ChatRunRegistry) Count() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.runs)
}

// AppendDelta buffers a streaming delta for coalesced delivery.
func (cr *ChatRunRegistry) AppendDelta(runID, delta string) {
	cr.deltaMu.Lock()
	b, ok := cr.deltas[runID]
	if !ok {
		b = &strings.Builder{}
		cr.deltas[runID] = b
	}
	b.WriteString(delta)
	cr.deltaMu.Unlock()
}

// FlushDelta drains the run's buffer if at least minInterval has elapsed
// since the last flush (or force is set). Returns the coalesced text and
// whether a flush happened.
func (cr *ChatRunRegistry) FlushDelta(runID string, minInterval time.Duration, force bool) (string, bool) {
	cr.deltaMu.Lock()
	defer cr.deltaMu.Unlock()
	b, ok := cr.deltas[runID]
	if !ok || b.Len() == 0 {
		return "", false
	}
	now := time.Now()
	if !force {
		if last, seen := cr.lastFlush[runID]; seen && now.Sub(last) < minInterval {
			return "", false
		}
	}
	text := b.String()
	b.Reset()
	cr.lastFlush[runID] = now
	return text, true
}

// SetAbort stores the run's cancellation handle.
func (cr *ChatRunRegistry) SetAbort(runID string, cancel context.CancelFunc) {
	cr.abortMu.Lock()
	cr.aborts[runID] = cancel
	cr.abortMu.Unlock()
}

// Abort cancels the run if an abort handle exists. Reports whether one did.
func (cr *ChatRunRegistry) Abort(runID string) bool {
	cr.abortMu.Lock()
	cancel, ok := cr.aborts[runID]
	if ok {
		delete(cr.aborts, runID)
	}
	cr.abortMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// AddToolRecipient subscribes a session to streaming tool events for a run
// or tool-call id.
func (cr *ChatRunRegistry) AddToolRecipient(id, connID string) {
	cr.recipientsMu.Lock()
	set, ok := cr.recipients[id]
	if !ok {
		set = make(map[string]struct{})
		cr.recipients[id] = set
	}
	set[connID] = struct{}{}
	cr.recipientsMu.Unlock()
}

// ToolRecipients returns the conn ids subscribed to the given id.
func (cr *ChatRunRegistry) ToolRecipients(id string) []string {
	cr.recipientsMu.Lock()
	defer cr.recipientsMu.Unlock()
	set, ok := cr.recipients[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// EndRun clears all per-run state: delta buffer, abort handle, and tool-event
// recipients. Prevents leaks across long-lived sessions.
func (cr *ChatRunRegistry) EndRun(runID string) {
	cr.deltaMu.Lock()
	delete(cr.deltas, runID)
	delete(cr.lastFlush, runID)
	cr.deltaMu.Unlock()

	cr.abortMu.Lock()
	delete(cr.aborts, runID)
	cr.abortMu.Unlock()

	cr.recipientsMu.Lock()
	delete(cr.recipients, runID)
	cr.recipientsMu.Unlock()
}

// DropSession removes every run owned by a disconnecting session and cancels
// their abort handles.
func (cr *ChatRunRegistry) DropSession(sessionID string) {
	var runIDs []string
	cr.mu.Lock()
	for key, entry := range cr.runs {
		if entry.SessionID == sessionID {
			delete(cr.runs, key)
			id := entry.EngineRunID
			if id == "" {
				id = entry.ClientRunID
			}
			runIDs = append(runIDs, id)
		}
	}
	cr.mu.Unlock()
	for _, id := range runIDs {
		cr.Abort(id)
		cr.EndRun(id)
	}
}
