package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nous-labs/wabridge/internal/session"
	"github.com/nous-labs/wabridge/pkg/daemon"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The pairing page may be served from another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wsFrame is one message pushed to pairing page observers.
type wsFrame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// frameFor maps a bus event to a websocket frame. ok is false for events
// observers do not receive.
func frameFor(e daemon.Event) (wsFrame, bool) {
	switch e.Type {
	case daemon.EventQR:
		return wsFrame{Event: "qr", Data: e.Content}, true
	case daemon.EventState:
		return wsFrame{Event: "state", Data: e.State}, true
	case daemon.EventError:
		return wsFrame{Event: "error", Data: e.Message}, true
	}
	return wsFrame{}, false
}

// handleWebSocket pushes pairing codes and state changes to one observer.
// A new observer immediately receives the current state and, while pairing,
// the current code and the session's last authentication error.
func (m *Module) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}
	clientID := uuid.NewString()
	slog.Debug("ws observer connected", "id", clientID, "remote", r.RemoteAddr)

	events, done := m.d.Events.SubscribeFilter(daemon.NewFilter("", daemon.EventQR, daemon.EventState, daemon.EventError))
	defer m.d.Events.Unsubscribe(done)

	closed := make(chan struct{})
	go readPump(conn, closed)

	snap := m.controller.Snapshot()
	initial := []wsFrame{{Event: "state", Data: snap.State.String()}}
	if snap.State == session.StateAwaitingQR && snap.PairingCode != "" {
		initial = append(initial, wsFrame{Event: "qr", Data: snap.PairingCode})
	}
	if e, ok := m.d.Events.Latest(daemon.EventError); ok && e.Session == snap.SessionID && snap.State == session.StateAwaitingQR {
		initial = append(initial, wsFrame{Event: "error", Data: e.Message})
	}
	for _, f := range initial {
		if err := writeFrame(conn, f); err != nil {
			conn.Close()
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		slog.Debug("ws observer disconnected", "id", clientID)
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			f, ok := frameFor(e)
			if !ok {
				continue
			}
			if err := writeFrame(conn, f); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump discards client messages and handles pongs until the connection closes.
func readPump(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("ws read error", "error", err)
			}
			return
		}
	}
}
