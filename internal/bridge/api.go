package bridge

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"rsc.io/qr"
)

//go:embed static/qr.html
var pairingPage []byte

type sendMessageRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// handleSendMessage sends a message to "<number>@c.us". Any send failure,
// including a session that is not ready, is a 500.
func (m *Module) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, "invalid request body: "+err.Error())
		return
	}
	req.Number = strings.TrimSpace(req.Number)
	if req.Number == "" || req.Message == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"number and message are required"}`)
		return
	}

	chatID := req.Number + "@c.us"
	if err := m.controller.SendReply(r.Context(), chatID, req.Message); err != nil {
		slog.Error("error sending message", "to", chatID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"Failed to send message"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"result":"Message sent"}`)
}

func (m *Module) handlePairingPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(pairingPage)
}

// handlePairingPNG renders the current pairing code.
func (m *Module) handlePairingPNG(w http.ResponseWriter, _ *http.Request) {
	code := m.controller.Snapshot().PairingCode
	if code == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"no pairing code"}`)
		return
	}

	img, err := qr.Encode(code, qr.L)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	img.Scale = 6
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img.PNG())
}

func (m *Module) handleSession(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.controller.Snapshot()); err != nil {
		slog.Warn("failed to encode session snapshot", "error", err)
	}
}
