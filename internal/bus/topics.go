package bus

// Wake event topics.
const (
	TopicWakeNow    = "wake.now"
	TopicWakeQueued = "wake.queued"
)

// WakeEvent is published when an external caller requests an agent wake.
type WakeEvent struct {
	Text   string // Wake reason or prompt text
	Mode   string // "now" or "next-heartbeat"
	Source string // Originating surface (hook path, channel name, rpc)
}

// Agent run lifecycle topics.
const (
	TopicRunDispatched = "run.dispatched"
	TopicRunDelta      = "run.delta"
	TopicRunCompleted  = "run.completed"
	TopicRunFailed     = "run.failed"
	TopicRunAborted    = "run.aborted"
)

// RunEvent is published on agent run lifecycle transitions.
type RunEvent struct {
	RunID      string // Run ID
	SessionID  string // Gateway session that owns the run, if any
	SessionKey string // Agent session key the run executes under
	Agent      string // Agent the run was dispatched to
	Text       string // Delta text or terminal message
	ErrorKind  string // Failure classification (failed/aborted only)
}

// Tool invocation topics.
const (
	TopicToolRequested = "tool.requested"
	TopicToolEvent     = "tool.event"
)

// ToolJob is published when a tool invocation is accepted for execution.
type ToolJob struct {
	JobID string         // Job ID assigned at accept time
	Tool  string         // Tool name
	Args  map[string]any // Tool arguments, passed through untouched
}

// ToolEvent is published by executors while a tool call is in flight.
type ToolEvent struct {
	RunID      string // Owning run ID
	ToolCallID string // Tool call ID within the run
	Phase      string // "started", "output", or "finished"
	Data       string // Phase payload
}

// Channel inbound topics.
const (
	TopicChannelInbound = "channel.inbound"
)

// InboundMessage is published when a channel collaborator receives a message.
type InboundMessage struct {
	Channel  string // Channel name (e.g. "telegram")
	SenderID string // Channel-native sender identifier
	ChatID   string // Channel-native conversation identifier
	Text     string // Message text
}

// Presence topics.
const (
	TopicPresenceChanged = "presence.changed"
)

// PresenceEvent is published when a gateway session joins or leaves.
type PresenceEvent struct {
	ConnID string // Connection ID
	Role   string // operator, node, or device
	Online bool   // true on join, false on leave
}
