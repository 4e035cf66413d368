// Package pairing broadcasts pairing codes and session transitions to
// observers: the operator's terminal and the daemon event bus.
package pairing

import (
	"io"
	"log/slog"
	"sync"

	"github.com/mdp/qrterminal/v3"

	"github.com/nous-labs/wabridge/internal/session"
	"github.com/nous-labs/wabridge/pkg/daemon"
)

// Publisher receives bus events.
type Publisher interface {
	Publish(e daemon.Event)
}

// Notifier implements session.Notifier. It holds no session state; each
// pairing code is rendered and published as it arrives.
type Notifier struct {
	bus Publisher

	// mu serializes terminal writes; nil terminal disables rendering
	mu       sync.Mutex
	terminal io.Writer
}

// New creates a notifier. terminal may be nil.
func New(bus Publisher, terminal io.Writer) *Notifier {
	return &Notifier{bus: bus, terminal: terminal}
}

// PairingCode renders the code and publishes it as a qr event.
func (n *Notifier) PairingCode(sessionID, code string) {
	slog.Info("pairing code issued, scan it with the phone", "session", sessionID)
	if n.terminal != nil {
		n.mu.Lock()
		qrterminal.GenerateHalfBlock(code, qrterminal.L, n.terminal)
		n.mu.Unlock()
	}
	n.bus.Publish(daemon.Event{Type: daemon.EventQR, Content: code, Session: sessionID})
}

// StateChanged publishes a state event.
func (n *Notifier) StateChanged(sessionID string, from, to session.State) {
	n.bus.Publish(daemon.Event{
		Type:    daemon.EventState,
		State:   to.String(),
		Session: sessionID,
		Message: from.String() + " -> " + to.String(),
	})
	if to == session.StateReady {
		n.bus.Publish(daemon.Event{Type: daemon.EventStatus, Level: "info", Session: sessionID, Message: "client is ready"})
	}
}

// AuthFailure publishes an error event. Pairing is not retried automatically.
func (n *Notifier) AuthFailure(sessionID, reason string) {
	n.bus.Publish(daemon.Event{
		Type:    daemon.EventError,
		Level:   "error",
		Session: sessionID,
		Message: "authentication failed: " + reason,
	})
}

var _ session.Notifier = (*Notifier)(nil)
