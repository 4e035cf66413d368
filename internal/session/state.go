package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/wabridge/pkg/channel"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingQR
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingQR:
		return "awaiting_qr"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is one instance of the transport session. A disconnect discards the
// instance; nothing carries over to its replacement.
type Session struct {
	id               string
	state            State
	pairingCode      string
	ownIdentity      string
	listenerAttached bool
	unsubscribe      func()

	// controller goroutine only
	opened  bool
	readyAt time.Time

	// inbound feeds this instance's relay worker
	inbound chan channel.InboundEvent
}

func newSession(queueSize int) *Session {
	return &Session{
		id:      uuid.NewString(),
		state:   StateDisconnected,
		inbound: make(chan channel.InboundEvent, queueSize),
	}
}

// Snapshot is a read-only copy of the current session.
type Snapshot struct {
	SessionID        string `json:"session_id"`
	Generation       int    `json:"generation"`
	State            State  `json:"state"`
	PairingCode      string `json:"pairing_code,omitempty"`
	OwnIdentity      string `json:"own_identity,omitempty"`
	ListenerAttached bool   `json:"listener_attached"`
}
