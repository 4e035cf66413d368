// Package whatsapp implements the WhatsApp transport on whatsmeow.
//
// Device credentials live in a whatsmeow sqlstore (SQLite through
// modernc.org/sqlite, or Postgres through pgx). Reconnection is owned by the
// session controller: whatsmeow's auto-reconnect is disabled and every drop is
// reported as a disconnect, after which the controller closes this transport
// and opens it again.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/nous-labs/wabridge/pkg/channel"
)

// Config holds WhatsApp transport configuration.
type Config struct {
	StoreDialect string // "sqlite" or "pgx"
	StoreDSN     string // file path or "file:" DSN for sqlite, postgres URL for pgx
}

// Transport implements channel.Transport for WhatsApp.
type Transport struct {
	config Config

	mu          sync.Mutex
	container   *sqlstore.Container
	client      *whatsmeow.Client
	lifecycleID uint32
	qrCancel    context.CancelFunc
}

// New creates a WhatsApp transport. The device store is opened on first use.
func New(cfg Config) *Transport {
	return &Transport{config: cfg}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "whatsapp" }

// storeDSN turns a plain sqlite path into a DSN with the pragmas whatsmeow needs.
func storeDSN(dialect, dsn string) string {
	if dialect != "sqlite" || strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return "file:" + dsn + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
}

func (t *Transport) openContainer(ctx context.Context) (*sqlstore.Container, error) {
	if t.container != nil {
		return t.container, nil
	}
	if t.config.StoreDialect == "sqlite" && !strings.HasPrefix(t.config.StoreDSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(t.config.StoreDSN), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	container, err := sqlstore.New(ctx, t.config.StoreDialect, storeDSN(t.config.StoreDialect, t.config.StoreDSN), newLogger("whatsmeow-store"))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	t.container = container
	return container, nil
}

// Open creates a client for the stored device and connects. An unpaired
// device reports pairing codes through emit until it is scanned.
func (t *Transport) Open(ctx context.Context, emit channel.EmitFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	container, err := t.openContainer(ctx)
	if err != nil {
		return err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, newLogger("whatsmeow"))
	client.EnableAutoReconnect = false

	own := func() string {
		if client.Store.ID == nil {
			return ""
		}
		return client.Store.ID.ToNonAD().String()
	}
	t.lifecycleID = client.AddEventHandler(func(evt any) {
		if ev, ok := lifecycleEvent(evt, own); ok {
			emit(ev)
		}
	})

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			client.RemoveEventHandler(t.lifecycleID)
			return fmt.Errorf("get pairing channel: %w", err)
		}
		t.qrCancel = cancel
		go pumpPairingCodes(qrChan, emit)
		slog.Info("whatsapp device not paired, waiting for pairing code")
	}

	if err := client.Connect(); err != nil {
		client.RemoveEventHandler(t.lifecycleID)
		if t.qrCancel != nil {
			t.qrCancel()
			t.qrCancel = nil
		}
		return fmt.Errorf("connect: %w", err)
	}

	t.client = client
	slog.Info("whatsapp client connecting", "device", own())
	return nil
}

// pumpPairingCodes forwards pairing channel items until the channel closes.
func pumpPairingCodes(qrChan <-chan whatsmeow.QRChannelItem, emit channel.EmitFunc) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			emit(channel.Event{Type: channel.EventPairingCode, Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			slog.Info("pairing code scanned")
		case whatsmeow.QRChannelTimeout.Event:
			emit(channel.Event{Type: channel.EventDisconnected, Reason: "pairing timed out"})
		case whatsmeow.QRChannelEventError:
			emit(channel.Event{Type: channel.EventAuthFailure, Reason: fmt.Sprintf("pairing error: %v", item.Error)})
		default:
			emit(channel.Event{Type: channel.EventAuthFailure, Reason: "pairing failed: " + item.Event})
		}
	}
}

// Subscribe registers h for inbound messages on the current client.
func (t *Transport) Subscribe(h channel.InboundHandler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	client := t.client
	if client == nil {
		return nil, errors.New("whatsapp transport not open")
	}

	own := ""
	if client.Store.ID != nil {
		own = client.Store.ID.ToNonAD().String()
	}
	id := client.AddEventHandler(func(evt any) {
		m, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if ev, ok := convertMessage(m, own); ok {
			h(ev)
		}
	})
	return func() { client.RemoveEventHandler(id) }, nil
}

// Send delivers a text message. recipient may use the legacy c.us server.
func (t *Transport) Send(ctx context.Context, recipient, text string) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return errors.New("whatsapp client not connected")
	}

	jid, err := parseRecipient(recipient)
	if err != nil {
		return err
	}
	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("send to %s: %w", jid, err)
	}
	slog.Debug("whatsapp message sent", "to", jid, "id", resp.ID)
	return nil
}

// Close disconnects the current client. The device store stays open so the
// next Open reuses it.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.qrCancel != nil {
		t.qrCancel()
		t.qrCancel = nil
	}
	if t.client != nil {
		t.client.RemoveEventHandler(t.lifecycleID)
		t.client.Disconnect()
		t.client = nil
	}
	return nil
}

// Shutdown closes the client and the device store.
func (t *Transport) Shutdown() error {
	t.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.container != nil {
		err := t.container.Close()
		t.container = nil
		return err
	}
	return nil
}

// Logout unlinks the paired device from the phone and deletes it from the store.
func (t *Transport) Logout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	container, err := t.openContainer(ctx)
	if err != nil {
		return err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if device.ID == nil {
		return errors.New("whatsapp device is not paired")
	}

	client := whatsmeow.NewClient(device, newLogger("whatsmeow"))
	client.EnableAutoReconnect = false
	connected := make(chan struct{}, 1)
	client.AddEventHandler(func(evt any) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	select {
	case <-connected:
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection: %w", ctx.Err())
	}

	if err := client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	slog.Info("whatsapp device logged out", "device", device.ID.ToNonAD().String())
	return nil
}

var _ channel.Transport = (*Transport)(nil)
