package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/nous-labs/wabridge/pkg/journal"
)

type stubModule struct {
	name   string
	inited bool
}

func (m *stubModule) Name() string                    { return m.name }
func (m *stubModule) Init(*Daemon) error              { m.inited = true; return nil }
func (m *stubModule) Start(ctx context.Context) error { <-ctx.Done(); return nil }
func (m *stubModule) Stop() error                     { return nil }
func (m *stubModule) RegisterRoutes(r chi.Router) {
	r.Get("/stub", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
}

func TestRegisterModule(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.RegisterModule(&stubModule{name: "a"}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}
	if err := d.RegisterModule(&stubModule{name: "a"}); err == nil {
		t.Error("duplicate module accepted")
	}
	if err := d.RegisterModule(&stubModule{}); err == nil {
		t.Error("unnamed module accepted")
	}
	if err := d.RegisterModule(nil); err == nil {
		t.Error("nil module accepted")
	}
}

func TestHandlerRoutes(t *testing.T) {
	d, _ := New(nil)
	d.RegisterModule(&stubModule{name: "stub"})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stub")
	if err != nil {
		t.Fatalf("GET /stub: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("module route status = %d", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/health before Run = %d, want 503", resp.StatusCode)
	}
	d.setHealthy(true)
	resp, _ = http.Get(srv.URL + "/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health when healthy = %d, want 200", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/v1/relays")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/v1/relays without journal = %d, want 404", resp.StatusCode)
	}
}

func TestRelaysEndpoint(t *testing.T) {
	cfg := defaultConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Journal.Close()

	ctx := context.Background()
	d.Journal.Append(ctx, journal.Entry{SessionID: "s1", Kind: "chat", Sender: "a", Stored: true, Replied: true})
	d.Journal.Append(ctx, journal.Entry{SessionID: "s1", Kind: "location", Sender: "b", Stored: true})

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/relays?limit=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body relaysResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Entries) != 1 {
		t.Fatalf("body = %+v, want one entry", body)
	}
}

func TestEventsStreamFiltered(t *testing.T) {
	d, _ := New(nil)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	d.Events.Publish(Event{Type: EventQR, Session: "s2", Content: "old-other"})
	d.Events.Publish(Event{Type: EventQR, Session: "s1", Content: "old-mine"})
	d.Events.Publish(Event{Type: EventState, Session: "s1", State: "awaiting_qr"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?session=s1&type=qr", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	nextData := func() Event {
		t.Helper()
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				var e Event
				if err := json.Unmarshal([]byte(data), &e); err != nil {
					t.Fatalf("decode %q: %v", data, err)
				}
				return e
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return Event{}
	}

	if e := nextData(); e.Content != "old-mine" {
		t.Fatalf("hydrated event = %+v", e)
	}

	d.Events.Publish(Event{Type: EventQR, Session: "s2", Content: "new-other"})
	d.Events.Publish(Event{Type: EventState, Session: "s1", State: "ready"})
	d.Events.Publish(Event{Type: EventQR, Session: "s1", Content: "new-mine"})
	if e := nextData(); e.Content != "new-mine" {
		t.Fatalf("live event = %+v", e)
	}
}
