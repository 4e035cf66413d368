package whatsapp

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/nous-labs/wabridge/pkg/channel"
)

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "5511999998888@c.us", want: "5511999998888@s.whatsapp.net"},
		{in: "5511999998888@s.whatsapp.net", want: "5511999998888@s.whatsapp.net"},
		{in: "5511999998888", want: "5511999998888@s.whatsapp.net"},
		{in: "+5511999998888", want: "5511999998888@s.whatsapp.net"},
		{in: "120363025246125888@g.us", want: "120363025246125888@g.us"},
		{in: "", wantErr: true},
		{in: "not-a-number", wantErr: true},
		{in: "@c.us", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			jid, err := parseRecipient(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseRecipient(%q) = %s, want error", tt.in, jid)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRecipient(%q): %v", tt.in, err)
			}
			if jid.String() != tt.want {
				t.Errorf("parseRecipient(%q) = %s, want %s", tt.in, jid, tt.want)
			}
		})
	}
}

func message(msg *waE2E.Message, fromMe bool) *events.Message {
	peer := types.NewJID("5511999998888", types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     peer,
				Sender:   peer,
				IsFromMe: fromMe,
			},
			Timestamp: time.UnixMilli(1700000000000),
		},
		Message: msg,
	}
}

func TestConvertMessage(t *testing.T) {
	const own = "5511000000000@s.whatsapp.net"

	ev, ok := convertMessage(message(&waE2E.Message{Conversation: proto.String("Hello")}, false), own)
	if !ok || ev.Kind != channel.KindChat || ev.Body != "Hello" {
		t.Fatalf("conversation = %+v ok=%v", ev, ok)
	}
	if ev.SenderID != "5511999998888@s.whatsapp.net" || ev.ReplyTo() != "5511999998888@s.whatsapp.net" {
		t.Errorf("ids = %q/%q", ev.SenderID, ev.ChatID)
	}
	if ev.Timestamp != 1700000000000 || ev.Source != "whatsapp" {
		t.Errorf("timestamp=%d source=%q", ev.Timestamp, ev.Source)
	}

	ev, ok = convertMessage(message(&waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted reply")},
	}, false), own)
	if !ok || ev.Kind != channel.KindChat || ev.Body != "quoted reply" {
		t.Fatalf("extended text = %+v", ev)
	}

	ev, ok = convertMessage(message(&waE2E.Message{
		LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(-23.55),
			DegreesLongitude: proto.Float64(-46.63),
		},
	}, false), own)
	if !ok || ev.Kind != channel.KindLocation || ev.Coordinates == nil {
		t.Fatalf("location = %+v", ev)
	}
	if ev.Coordinates.Latitude != -23.55 || ev.Coordinates.Longitude != -46.63 {
		t.Errorf("coordinates = %+v", *ev.Coordinates)
	}

	ev, ok = convertMessage(message(&waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")},
	}, false), own)
	if !ok || ev.Kind != channel.KindOther {
		t.Fatalf("image = %+v", ev)
	}

	ev, _ = convertMessage(message(&waE2E.Message{Conversation: proto.String("mine")}, true), own)
	if ev.SenderID != own {
		t.Errorf("from-me sender = %q, want own identity", ev.SenderID)
	}
}

func TestConvertMessageSkips(t *testing.T) {
	if _, ok := convertMessage(message(nil, false), ""); ok {
		t.Error("nil message converted")
	}

	status := message(&waE2E.Message{Conversation: proto.String("story")}, false)
	status.Info.Chat = types.StatusBroadcastJID
	if _, ok := convertMessage(status, ""); ok {
		t.Error("status broadcast converted")
	}

	reaction := message(&waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("+1")}}, false)
	if _, ok := convertMessage(reaction, ""); ok {
		t.Error("reaction converted")
	}
}

func TestLifecycleEvent(t *testing.T) {
	own := func() string { return "5511000000000@s.whatsapp.net" }
	paired := types.NewJID("5511000000000", types.DefaultUserServer)
	paired.Device = 12

	tests := []struct {
		name string
		evt  any
		want channel.EventType
	}{
		{name: "pair success", evt: &events.PairSuccess{ID: paired}, want: channel.EventAuthenticated},
		{name: "connected", evt: &events.Connected{}, want: channel.EventReady},
		{name: "outdated", evt: &events.ClientOutdated{}, want: channel.EventAuthFailure},
		{name: "logged out", evt: &events.LoggedOut{}, want: channel.EventDisconnected},
		{name: "stream replaced", evt: &events.StreamReplaced{}, want: channel.EventDisconnected},
		{name: "disconnected", evt: &events.Disconnected{}, want: channel.EventDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := lifecycleEvent(tt.evt, own)
			if !ok || ev.Type != tt.want {
				t.Fatalf("lifecycleEvent = %+v ok=%v, want %s", ev, ok, tt.want)
			}
		})
	}

	ev, _ := lifecycleEvent(&events.PairSuccess{ID: paired}, own)
	if ev.Identity != "5511000000000@s.whatsapp.net" {
		t.Errorf("pair identity = %q, want device suffix stripped", ev.Identity)
	}
	if _, ok := lifecycleEvent(&events.Receipt{}, own); ok {
		t.Error("receipt mapped to lifecycle event")
	}
}

func TestStoreDSN(t *testing.T) {
	got := storeDSN("sqlite", "/data/whatsapp.db")
	want := "file:/data/whatsapp.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	if got != want {
		t.Errorf("storeDSN = %q", got)
	}
	if got := storeDSN("sqlite", "file:x.db?mode=memory"); got != "file:x.db?mode=memory" {
		t.Errorf("explicit DSN rewritten: %q", got)
	}
	if got := storeDSN("pgx", "postgres://u@h/db"); got != "postgres://u@h/db" {
		t.Errorf("pgx DSN rewritten: %q", got)
	}
}
