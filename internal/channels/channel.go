package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context
	// is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Dispatcher hands an inbound message to the agent engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent, sessionKey, text string) (runID string, err error)
}
