// Package bridge wires the transport, session controller, relay and pairing
// notifier into a daemon module and serves the bridge HTTP API.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/nous-labs/wabridge/internal/channel/matrix"
	"github.com/nous-labs/wabridge/internal/channel/whatsapp"
	"github.com/nous-labs/wabridge/internal/pairing"
	"github.com/nous-labs/wabridge/internal/relay"
	"github.com/nous-labs/wabridge/internal/session"
	"github.com/nous-labs/wabridge/pkg/channel"
	"github.com/nous-labs/wabridge/pkg/daemon"
	"github.com/nous-labs/wabridge/pkg/recordstore"
)

// Module is the bridge daemon module.
type Module struct {
	transport channel.Transport
	store     relay.Store
	terminal  io.Writer

	d          *daemon.Daemon
	controller *session.Controller
	relay      *relay.Relay
	notifier   *pairing.Notifier

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option customizes a Module.
type Option func(*Module)

// WithTransport overrides the transport built from configuration.
func WithTransport(t channel.Transport) Option {
	return func(m *Module) { m.transport = t }
}

// WithStore overrides the record store client built from configuration.
func WithStore(s relay.Store) Option {
	return func(m *Module) { m.store = s }
}

// WithTerminal sets where pairing codes are rendered. nil disables rendering.
func WithTerminal(w io.Writer) Option {
	return func(m *Module) { m.terminal = w }
}

// New creates the bridge module.
func New(opts ...Option) *Module {
	m := &Module{
		terminal: os.Stdout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string { return "bridge" }

// Init builds the pipeline from the daemon configuration.
func (m *Module) Init(d *daemon.Daemon) error {
	m.d = d
	cfg := d.Config

	if m.transport == nil {
		t, err := NewTransport(cfg)
		if err != nil {
			return err
		}
		m.transport = t
	}
	if m.store == nil {
		m.store = recordstore.New(cfg.Store.URL, daemon.Duration(cfg.Store.Timeout, recordstore.DefaultTimeout))
	}

	terminal := m.terminal
	if !cfg.Pairing.Terminal {
		terminal = nil
	}
	m.notifier = pairing.New(d.Events, terminal)

	m.controller = session.New(m.transport, m.handle, m.notifier, session.Config{
		SendRate:  cfg.Transport.SendRate,
		SendBurst: cfg.Transport.SendBurst,
	})

	var recorder relay.Recorder
	if d.Journal != nil {
		recorder = d.Journal
	}
	m.relay = relay.New(m.store, m.controller, recorder, m.publishRelay, relay.Config{
		Mode:             cfg.Relay.ReplyMode,
		IncludeSender:    cfg.Relay.IncludeSender,
		StrictKinds:      cfg.Relay.StrictKinds,
		FallbackGreeting: cfg.Relay.FallbackGreeting,
		ApologyText:      cfg.Relay.ApologyText,
	})

	slog.Info("bridge initialized",
		"transport", m.transport.Name(),
		"store", cfg.Store.URL,
		"reply_mode", cfg.Relay.ReplyMode,
		"journal", d.Journal != nil,
	)
	return nil
}

// NewTransport builds the transport selected by cfg.Transport.Kind.
func NewTransport(cfg *daemon.Config) (channel.Transport, error) {
	switch cfg.Transport.Kind {
	case daemon.TransportWhatsApp:
		return whatsapp.New(whatsapp.Config{
			StoreDialect: cfg.Transport.WhatsApp.StoreDialect,
			StoreDSN:     cfg.Transport.WhatsApp.StoreDSN,
		}), nil
	case daemon.TransportMatrix:
		mc := cfg.Transport.Matrix
		return matrix.New(matrix.Config{
			Homeserver:   mc.Homeserver,
			UserID:       mc.UserID,
			Password:     mc.Password,
			ServerName:   mc.ServerName,
			AllowedUsers: mc.AllowedUsers,
			DataDir:      cfg.DataDir,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

func (m *Module) RegisterRoutes(r chi.Router) {
	r.Post("/sendMessage", m.handleSendMessage)
	r.Get("/qr", m.handlePairingPage)
	r.Get("/qr/code.png", m.handlePairingPNG)
	r.Get("/ws", m.handleWebSocket)
	r.Get("/v1/session", m.handleSession)
}

// Start runs the session controller until ctx is cancelled or Stop is called.
func (m *Module) Start(ctx context.Context) error {
	defer close(m.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return m.controller.Run(ctx)
}

// Stop stops the controller and waits for it so relay workers finish before
// the daemon closes the journal.
func (m *Module) Stop() error {
	if m.controller == nil {
		return nil
	}
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	if s, ok := m.transport.(interface{ Shutdown() error }); ok {
		return s.Shutdown()
	}
	return nil
}

func (m *Module) handle(ctx context.Context, sessionID string, ev channel.InboundEvent) {
	m.relay.Handle(ctx, sessionID, ev)
}

func (m *Module) publishRelay(typ, sessionID, message string) {
	m.d.Events.Publish(daemon.Event{Type: typ, Session: sessionID, Message: message})
}
