// Package channel defines the contract between the bridge and a chat transport.
// Transports are how the bridge talks to the world: WhatsApp, Matrix, tests.
package channel

import "context"

// Kind classifies an inbound event.
type Kind int

const (
	KindOther Kind = iota
	KindChat
	KindLocation
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindLocation:
		return "location"
	default:
		return "other"
	}
}

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// InboundEvent represents one unit received from the transport.
type InboundEvent struct {
	// Source identifies the transport (e.g., "whatsapp", "matrix")
	Source string

	// SenderID is the transport-specific sender identifier
	SenderID string

	// ChatID is the conversation the event arrived in. Replies go here.
	ChatID string

	Kind Kind

	// Body is the message text; empty for locations and most media
	Body string

	// Coordinates is set only for KindLocation
	Coordinates *Coordinates

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// ReplyTo returns the identifier a reply to this event should be sent to.
func (e InboundEvent) ReplyTo() string {
	if e.ChatID != "" {
		return e.ChatID
	}
	return e.SenderID
}

// EventType is a transport lifecycle signal.
type EventType int

const (
	EventPairingCode EventType = iota + 1
	EventAuthenticated
	EventReady
	EventAuthFailure
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventPairingCode:
		return "pairing_code"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a lifecycle signal emitted by a transport.
type Event struct {
	Type EventType

	// Code carries the pairing code for EventPairingCode
	Code string

	// Identity is the session's own identifier, when the transport knows it
	Identity string

	// Reason describes auth failures and disconnects
	Reason string
}

// EmitFunc receives lifecycle events. Implementations must not block for long;
// the session controller only enqueues them.
type EmitFunc func(Event)

// InboundHandler receives inbound events from an attached listener.
type InboundHandler func(InboundEvent)

// Transport is the interface for a chat transport session.
//
// A transport holds at most one live client. Open builds a fresh client and
// starts connecting; lifecycle events for that client are delivered to emit.
// Close tears the client down so that a later Open starts from scratch.
type Transport interface {
	// Name returns the transport identifier (e.g., "whatsapp").
	Name() string

	// Open creates a new client and begins connecting. It returns once the
	// connection attempt has started; progress is reported through emit.
	Open(ctx context.Context, emit EmitFunc) error

	// Subscribe registers an inbound handler on the current client. The
	// returned function removes it.
	Subscribe(h InboundHandler) (unsubscribe func(), err error)

	// Send delivers a text message to a recipient.
	Send(ctx context.Context, recipient, text string) error

	// Close disconnects and discards the current client.
	Close() error
}
