// Package relay forwards inbound chat events to the record store and decides
// what, if anything, to send back.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nous-labs/wabridge/internal/session"
	"github.com/nous-labs/wabridge/pkg/channel"
	"github.com/nous-labs/wabridge/pkg/journal"
	"github.com/nous-labs/wabridge/pkg/recordstore"
)

// Reply modes.
const (
	ModeAlways = "always" // empty store response falls back to the greeting
	ModeSilent = "silent" // empty store response sends nothing
)

// Store is the subset of the record store client the relay needs.
type Store interface {
	RecordMessage(ctx context.Context, sender, body string) error
	RecordLocation(ctx context.Context, lat, lon float64) error
	Query(ctx context.Context, text string) (recordstore.QueryResult, error)
}

// Replier sends a reply through the live session.
type Replier interface {
	SendReply(ctx context.Context, recipient, text string) error
}

// Recorder persists relay outcomes.
type Recorder interface {
	Append(ctx context.Context, e journal.Entry) (string, error)
}

// EventFunc publishes relay events. Parameters: event type, session id, message.
type EventFunc func(typ, sessionID, message string)

// Config controls classification and the reply policy.
type Config struct {
	Mode             string
	IncludeSender    bool
	StrictKinds      bool
	FallbackGreeting string
	ApologyText      string
}

// Relay handles inbound events one at a time.
type Relay struct {
	store    Store
	replier  Replier
	recorder Recorder
	onEvent  EventFunc
	cfg      Config
}

// New creates a relay. recorder and onEvent may be nil.
func New(store Store, replier Replier, recorder Recorder, onEvent EventFunc, cfg Config) *Relay {
	if cfg.Mode == "" {
		cfg.Mode = ModeAlways
	}
	if cfg.FallbackGreeting == "" {
		cfg.FallbackGreeting = "Hello, how can I assist you?"
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = "Sorry, I could not process your request."
	}
	return &Relay{
		store:    store,
		replier:  replier,
		recorder: recorder,
		onEvent:  onEvent,
		cfg:      cfg,
	}
}

// Handle relays one inbound event. It matches session.Handler.
func (r *Relay) Handle(ctx context.Context, sessionID string, ev channel.InboundEvent) {
	kind := ev.Kind
	if kind == channel.KindOther {
		if r.cfg.StrictKinds {
			slog.Debug("ignoring unsupported event", "session", sessionID, "sender", ev.SenderID)
			return
		}
		kind = channel.KindChat
	}

	entry := journal.Entry{SessionID: sessionID, Kind: kind.String(), Sender: ev.SenderID}

	switch kind {
	case channel.KindLocation:
		r.handleLocation(ctx, ev, &entry)
	case channel.KindChat:
		r.handleChat(ctx, ev, &entry)
	}

	r.record(ctx, entry)
}

func (r *Relay) handleLocation(ctx context.Context, ev channel.InboundEvent, entry *journal.Entry) {
	if ev.Coordinates == nil {
		slog.Warn("location event without coordinates", "sender", ev.SenderID)
		entry.Error = "missing coordinates"
		return
	}
	lat, lon := ev.Coordinates.Latitude, ev.Coordinates.Longitude
	slog.Info("received location", "sender", ev.SenderID, "latitude", lat, "longitude", lon)

	if err := r.store.RecordLocation(ctx, lat, lon); err != nil {
		slog.Error("saving location failed", "sender", ev.SenderID, "error", err)
		entry.Error = err.Error()
		return
	}
	entry.Stored = true
}

func (r *Relay) handleChat(ctx context.Context, ev channel.InboundEvent, entry *journal.Entry) {
	sender := ""
	if r.cfg.IncludeSender {
		sender = ev.SenderID
	}

	if err := r.store.RecordMessage(ctx, sender, ev.Body); err != nil {
		slog.Error("saving message failed", "sender", ev.SenderID, "error", err)
		entry.Error = err.Error()
	} else {
		entry.Stored = true
	}

	reply, ok := r.reply(ctx, ev)
	if !ok {
		return
	}

	if err := r.replier.SendReply(ctx, ev.ReplyTo(), reply); err != nil {
		if errors.Is(err, session.ErrTransportUnavailable) {
			slog.Warn("reply dropped, session not ready", "recipient", ev.ReplyTo(), "error", err)
		} else {
			slog.Error("reply failed", "recipient", ev.ReplyTo(), "error", err)
		}
		entry.Error = err.Error()
		return
	}
	entry.Replied = true
}

// reply queries the store and applies the reply policy. ok is false when
// nothing should be sent.
func (r *Relay) reply(ctx context.Context, ev channel.InboundEvent) (text string, ok bool) {
	result, err := r.store.Query(ctx, strings.ToLower(ev.Body))
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, recordstore.ErrStoreMalformedResponse) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "fetching response failed", "sender", ev.SenderID, "error", err)
		return r.cfg.ApologyText, true
	}

	if result.Response != "" {
		return unescapeNewlines(result.Response), true
	}
	if r.cfg.Mode == ModeSilent {
		slog.Debug("empty response, staying silent", "sender", ev.SenderID)
		return "", false
	}
	return r.cfg.FallbackGreeting, true
}

func (r *Relay) record(ctx context.Context, e journal.Entry) {
	if r.recorder != nil {
		if _, err := r.recorder.Append(ctx, e); err != nil {
			slog.Warn("journal append failed", "error", err)
		}
	}
	if r.onEvent != nil {
		msg := e.Kind + " from " + e.Sender
		switch {
		case e.Error != "":
			msg += ": " + e.Error
		case e.Replied:
			msg += ": stored, replied"
		case e.Stored:
			msg += ": stored"
		}
		r.onEvent("relay", e.SessionID, msg)
	}
}

// unescapeNewlines turns the two-character sequence \n into a newline.
func unescapeNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

var _ session.Handler = (*Relay)(nil).Handle
