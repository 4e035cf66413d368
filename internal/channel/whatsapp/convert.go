package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/nous-labs/wabridge/pkg/channel"
)

// parseRecipient accepts "<number>@c.us", a full JID or a bare phone number.
// The legacy c.us server is mapped to s.whatsapp.net.
func parseRecipient(recipient string) (types.JID, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}

	if !strings.ContainsRune(recipient, '@') {
		user := strings.TrimPrefix(recipient, "+")
		if !isDigits(user) {
			return types.JID{}, fmt.Errorf("recipient %q is not a phone number", recipient)
		}
		return types.NewJID(user, types.DefaultUserServer), nil
	}

	jid, err := types.ParseJID(recipient)
	if err != nil {
		return types.JID{}, fmt.Errorf("parse recipient %q: %w", recipient, err)
	}
	if jid.Server == types.LegacyUserServer {
		jid.Server = types.DefaultUserServer
	}
	if jid.User == "" {
		return types.JID{}, fmt.Errorf("recipient %q has no user part", recipient)
	}
	return jid, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// convertMessage maps a whatsmeow message to an InboundEvent. ok is false for
// status broadcasts and empty protocol messages. Messages sent from this
// account carry ownIdentity as sender so the session drops them.
func convertMessage(m *events.Message, ownIdentity string) (channel.InboundEvent, bool) {
	if m == nil || m.Message == nil {
		return channel.InboundEvent{}, false
	}
	if m.Info.Chat.Server == types.BroadcastServer {
		return channel.InboundEvent{}, false
	}

	ev := channel.InboundEvent{
		Source:    "whatsapp",
		SenderID:  m.Info.Sender.ToNonAD().String(),
		ChatID:    m.Info.Chat.ToNonAD().String(),
		Timestamp: m.Info.Timestamp.UnixMilli(),
	}
	if m.Info.IsFromMe && ownIdentity != "" {
		ev.SenderID = ownIdentity
	}

	msg := m.Message
	switch {
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		ev.Kind = channel.KindLocation
		ev.Coordinates = &channel.Coordinates{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
		}
	case msg.GetLiveLocationMessage() != nil:
		loc := msg.GetLiveLocationMessage()
		ev.Kind = channel.KindLocation
		ev.Coordinates = &channel.Coordinates{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
		}
	case msg.GetConversation() != "":
		ev.Kind = channel.KindChat
		ev.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		ev.Kind = channel.KindChat
		ev.Body = msg.GetExtendedTextMessage().GetText()
	case msg.GetProtocolMessage() != nil || msg.GetReactionMessage() != nil:
		return channel.InboundEvent{}, false
	default:
		ev.Kind = channel.KindOther
		ev.Body = msg.GetImageMessage().GetCaption()
	}
	return ev, true
}

// lifecycleEvent maps a whatsmeow connection event to a lifecycle event.
// ok is false for events the session does not track.
func lifecycleEvent(evt any, ownIdentity func() string) (channel.Event, bool) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		return channel.Event{Type: channel.EventAuthenticated, Identity: e.ID.ToNonAD().String()}, true
	case *events.Connected:
		return channel.Event{Type: channel.EventReady, Identity: ownIdentity()}, true
	case *events.PairError:
		return channel.Event{Type: channel.EventAuthFailure, Reason: fmt.Sprintf("pairing failed: %v", e.Error)}, true
	case *events.ClientOutdated:
		return channel.Event{Type: channel.EventAuthFailure, Reason: "client outdated"}, true
	case *events.TemporaryBan:
		return channel.Event{Type: channel.EventAuthFailure, Reason: e.String()}, true
	case *events.LoggedOut:
		return channel.Event{Type: channel.EventDisconnected, Reason: "logged out: " + e.Reason.String()}, true
	case *events.StreamReplaced:
		return channel.Event{Type: channel.EventDisconnected, Reason: "stream replaced"}, true
	case *events.ConnectFailure:
		return channel.Event{Type: channel.EventDisconnected, Reason: fmt.Sprintf("connect failure: %s %s", e.Reason, e.Message)}, true
	case *events.Disconnected:
		return channel.Event{Type: channel.EventDisconnected, Reason: "connection lost"}, true
	}
	return channel.Event{}, false
}
