package session

import "context"

// EventKind distinguishes connection lifecycle events.
type EventKind int

const (
	// EventOpen means the session is established and can send.
	EventOpen EventKind = iota
	// EventClosed means the session ended; Err carries the cause if known.
	EventClosed
)

func (k EventKind) String() string {
	if k == EventOpen {
		return "open"
	}
	return "closed"
}

// ConnectionEvent is reported by a Transport as its session changes.
type ConnectionEvent struct {
	Kind EventKind
	Err  error
}

// IncomingMessage is a text message received from a conversation.
type IncomingMessage struct {
	ConversationID string
	Sender         string
	Text           string
}

// Handler receives transport callbacks. Implementations must be safe to call
// from transport goroutines.
type Handler interface {
	OnConnectionEvent(ConnectionEvent)
	OnIncomingMessage(IncomingMessage)
}

// Transport is the chat capability the supervisor drives.
//
// Connect starts one session attempt. A returned error ends that attempt and
// no events are expected for it. Otherwise the transport reports EventOpen
// once established and EventClosed when the session ends. Calling Connect
// again replaces any previous session.
type Transport interface {
	Connect(ctx context.Context, h Handler) error
	SendText(ctx context.Context, destination, text string) error
	Close() error
}
