package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nous-labs/wabridge/pkg/journal"
)

type Daemon struct {
	Config  *Config
	Events  *EventBus
	Journal *journal.Journal // nil when the journal is disabled
	Modules map[string]Module

	startedAt  time.Time
	healthyMu  sync.RWMutex
	healthy    bool
	httpServer *http.Server
	retention  *journal.RetentionWorker
}

func New(cfg *Config) (*Daemon, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":3000"
	}

	d := &Daemon{
		Config:    cfg,
		Events:    NewEventBus(),
		Modules:   map[string]Module{},
		startedAt: time.Now(),
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.Journal = j
	}
	return d, nil
}

func (d *Daemon) RegisterModule(m Module) error {
	if m == nil {
		return fmt.Errorf("module is nil")
	}
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module name is empty")
	}
	if _, exists := d.Modules[name]; exists {
		return fmt.Errorf("module already registered: %s", name)
	}
	d.Modules[name] = m
	return nil
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	v := d.healthy
	d.healthyMu.RUnlock()
	return v
}

// Handler builds the HTTP router: daemon endpoints plus every module's routes.
func (d *Daemon) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", d.handleHealth)
	r.Get("/v1/events", d.handleEvents)
	r.Get("/v1/relays", d.handleRelays)
	for _, m := range d.Modules {
		m.RegisterRoutes(r)
	}
	return r
}

func (d *Daemon) Run(ctx context.Context) error {
	if err := d.initModules(); err != nil {
		return err
	}
	d.startRetentionWorker(ctx)

	d.httpServer = &http.Server{Addr: d.Config.HTTPAddr, Handler: d.Handler()}
	errCh := make(chan error, 1+len(d.Modules))
	go func() {
		slog.Info("API listening", "addr", d.Config.HTTPAddr)
		err := d.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	for _, m := range d.Modules {
		mod := m
		go func() {
			if err := mod.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("module start failed", "module", mod.Name(), "error", err)
				errCh <- fmt.Errorf("module %s: %w", mod.Name(), err)
			}
		}()
	}

	d.setHealthy(true)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	d.setHealthy(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(shutdownCtx)
	}

	for _, m := range d.Modules {
		if err := m.Stop(); err != nil {
			slog.Warn("module stop failed", "module", m.Name(), "error", err)
		}
	}

	if d.Journal != nil {
		d.Journal.Close()
	}

	return runErr
}

func (d *Daemon) initModules() error {
	for _, m := range d.Modules {
		if err := m.Init(d); err != nil {
			return fmt.Errorf("init module %s: %w", m.Name(), err)
		}
	}
	return nil
}

func (d *Daemon) startRetentionWorker(ctx context.Context) {
	if d.Journal == nil {
		return
	}
	cfg := journal.RetentionConfig{
		Retention: Duration(d.Config.Journal.Retention, 0),
		Interval:  Duration(d.Config.Journal.PruneInterval, 0),
	}
	d.retention = journal.NewRetentionWorker(d.Journal, func(typ, msg string) {
		d.Events.Publish(Event{Type: EventStatus, Message: "[journal] " + msg})
	}, cfg)
	go d.retention.Run(ctx)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.isHealthy() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	var types []string
	if t := q.Get("type"); t != "" {
		types = strings.Split(t, ",")
	}
	filter := NewFilter(q.Get("session"), types...)

	events, done := d.Events.SubscribeFilter(filter)
	defer d.Events.Unsubscribe(done)

	for _, e := range d.Events.RecentMatching(50, filter) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

type relaysResponse struct {
	Entries []relayEntry `json:"entries"`
	Count   int          `json:"count"`
}

type relayEntry struct {
	ID        string `json:"id"`
	Session   string `json:"session"`
	Kind      string `json:"kind"`
	Sender    string `json:"sender"`
	Stored    bool   `json:"stored"`
	Replied   bool   `json:"replied"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (d *Daemon) handleRelays(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.Journal == nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"journal disabled"}`)
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	entries, err := d.Journal.Recent(r.Context(), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	result := relaysResponse{
		Entries: make([]relayEntry, 0, len(entries)),
		Count:   len(entries),
	}
	for _, e := range entries {
		result.Entries = append(result.Entries, relayEntry{
			ID:        e.ID,
			Session:   e.SessionID,
			Kind:      e.Kind,
			Sender:    e.Sender,
			Stored:    e.Stored,
			Replied:   e.Replied,
			Error:     e.Error,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Warn("failed to encode relays response", "error", err)
	}
}
