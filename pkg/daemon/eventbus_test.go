package daemon

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventBusFanOut(t *testing.T) {
	eb := NewEventBus()
	a, doneA := eb.Subscribe()
	b, doneB := eb.Subscribe()
	defer eb.Unsubscribe(doneB)

	if n := eb.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", n)
	}

	eb.Publish(Event{Type: EventQR, Content: "2@abc"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Type != EventQR || e.Content != "2@abc" {
				t.Errorf("%s got %+v", name, e)
			}
			if e.TS == "" {
				t.Errorf("%s: timestamp not set", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event delivered", name)
		}
	}

	eb.Unsubscribe(doneA)
	if _, ok := <-a; ok {
		t.Error("channel not closed after Unsubscribe")
	}
	if n := eb.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d after unsubscribe, want 1", n)
	}
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	eb := NewEventBus()
	_, done := eb.Subscribe()
	defer eb.Unsubscribe(done)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			eb.Publish(Event{Type: EventStatus, Message: "tick"})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a subscriber that never reads")
	}
}

func TestEventBusRecentAndLatest(t *testing.T) {
	eb := newEventBus(3)

	if _, ok := eb.Latest(EventQR); ok {
		t.Fatal("Latest on empty bus returned ok")
	}

	eb.Publish(Event{Type: EventQR, Content: "only"})
	for _, st := range []string{"awaiting_qr", "authenticating", "ready", "disconnected"} {
		eb.Publish(Event{Type: EventState, State: st})
	}

	recent := eb.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("Recent(0) = %d events, want ring size 3", len(recent))
	}
	if recent[0].State != "authenticating" || recent[2].State != "disconnected" {
		t.Errorf("retained = %+v", recent)
	}
	if got := eb.Recent(2); len(got) != 2 || got[0].State != "ready" {
		t.Errorf("Recent(2) = %+v", got)
	}

	// The qr event left the ring but is still the latest of its type.
	latest, ok := eb.Latest(EventQR)
	if !ok || latest.Content != "only" {
		t.Errorf("Latest(qr) = %+v, %v", latest, ok)
	}
}

func TestEventBusFilter(t *testing.T) {
	eb := NewEventBus()
	f := NewFilter("s1", EventQR, EventError)

	ch, done := eb.SubscribeFilter(f)
	defer eb.Unsubscribe(done)

	eb.Publish(Event{Type: EventQR, Session: "s2", Content: "other"})
	eb.Publish(Event{Type: EventRelay, Session: "s1"})
	eb.Publish(Event{Type: EventError, Message: "untagged"})
	eb.Publish(Event{Type: EventQR, Session: "s1", Content: "mine"})

	var got []string
	for len(got) < 2 {
		select {
		case e := <-ch:
			got = append(got, e.Type+":"+e.Content+e.Message)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want 2 events", got)
		}
	}
	if got[0] != "error:untagged" || got[1] != "qr:mine" {
		t.Errorf("delivered = %v", got)
	}

	hydrated := eb.RecentMatching(0, f)
	if len(hydrated) != 2 || hydrated[1].Content != "mine" {
		t.Errorf("RecentMatching = %+v", hydrated)
	}
	if NewFilter("") != nil {
		t.Error("empty filter should be nil")
	}
}

func TestMarshalEvent(t *testing.T) {
	var decoded map[string]any
	if err := json.Unmarshal(Event{Type: EventQR, Content: "code"}.MarshalEvent(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "qr" || decoded["content"] != "code" || decoded["ts"] == "" {
		t.Errorf("decoded = %v", decoded)
	}
	if _, ok := decoded["state"]; ok {
		t.Error("empty fields should be omitted")
	}
}
