// Package matrix implements the Matrix transport using mautrix-go.
// Rooms play the role of chats; m.location events carry coordinates.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/wabridge/pkg/channel"
)

// Config holds Matrix transport configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "bridge"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Transport implements channel.Transport for Matrix. Every Open builds a new
// client so handlers registered on a previous syncer never fire again.
type Transport struct {
	config   Config
	credFile string

	mu        sync.Mutex
	client    *mautrix.Client
	handler   channel.InboundHandler
	handlerID uint64
	startTime int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// errNonRetryable marks login failures that a retry will not fix.
var errNonRetryable = errors.New("non-retryable")

// New creates a Matrix transport.
func New(cfg Config) *Transport {
	return &Transport{
		config:   cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "matrix" }

func (t *Transport) fullUserID() id.UserID {
	return id.UserID(fmt.Sprintf("@%s:%s", t.config.UserID, t.config.ServerName))
}

// Open creates the client and starts login and sync in the background.
// Lifecycle events are reported through emit.
func (t *Transport) Open(ctx context.Context, emit channel.EmitFunc) error {
	if err := os.MkdirAll(t.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	client, err := mautrix.NewClient(t.config.Homeserver, t.fullUserID(), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	// In-memory sync store; a restart resyncs from now.
	client.Store = mautrix.NewMemorySyncStore()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.client = client
	t.startTime = time.Now().UnixMilli()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(runCtx, client, emit, done)
	return nil
}

func (t *Transport) run(ctx context.Context, client *mautrix.Client, emit channel.EmitFunc, done chan struct{}) {
	defer close(done)

	if err := t.loginWithRetry(ctx, client); err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errNonRetryable) {
			emit(channel.Event{Type: channel.EventAuthFailure, Reason: err.Error()})
			return
		}
		emit(channel.Event{Type: channel.EventDisconnected, Reason: err.Error()})
		return
	}
	emit(channel.Event{Type: channel.EventAuthenticated, Identity: string(client.UserID)})

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, t.onMessage)
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		t.onMemberEvent(ctx, client, evt)
	})

	var readyOnce sync.Once
	syncer.OnSync(func(context.Context, *mautrix.RespSync, string) bool {
		readyOnce.Do(func() {
			slog.Info("matrix initial sync complete", "user", client.UserID)
			emit(channel.Event{Type: channel.EventReady, Identity: string(client.UserID)})
		})
		return true
	})

	slog.Info("matrix transport starting sync", "homeserver", t.config.Homeserver)
	err := client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return
	}
	reason := "sync stopped"
	if err != nil {
		reason = err.Error()
		slog.Warn("matrix sync error", "error", err)
	}
	emit(channel.Event{Type: channel.EventDisconnected, Reason: reason})
}

// loginWithRetry tries saved credentials first, then password login with
// exponential backoff.
func (t *Transport) loginWithRetry(ctx context.Context, client *mautrix.Client) error {
	if err := t.loadCredentials(client); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", client.UserID)
		return nil
	}

	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute
	maxAttempts := 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into Matrix",
			"user", client.UserID,
			"homeserver", t.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: t.config.UserID,
			},
			Password:         t.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			t.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (%w)", err, errNonRetryable)
		}

		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("matrix login: exhausted retries")
}

// Subscribe installs the inbound handler. Only one handler is active; the
// returned func removes it unless a newer one has replaced it.
func (t *Transport) Subscribe(h channel.InboundHandler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, errors.New("matrix transport not open")
	}
	t.handlerID++
	mine := t.handlerID
	t.handler = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.handlerID == mine {
			t.handler = nil
		}
	}, nil
}

// Send sends text to a room, splitting long messages. A trailing "@c.us"
// from the HTTP send API is stripped so room ids can be passed as numbers.
func (t *Transport) Send(ctx context.Context, recipient, text string) error {
	const maxLen = 4000

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return errors.New("matrix transport not open")
	}

	roomID := id.RoomID(strings.TrimSuffix(recipient, "@c.us"))
	if !strings.HasPrefix(string(roomID), "!") {
		return fmt.Errorf("matrix recipient %q is not a room id", recipient)
	}

	chunks := splitMessage(text, maxLen)
	for i, chunk := range chunks {
		prefix := ""
		if len(chunks) > 1 {
			prefix = fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
		}
		if _, err := client.SendText(ctx, roomID, prefix+chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "total_len", len(text))
	return nil
}

// Close stops the sync loop and waits for it to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	client, cancel, done := t.client, t.cancel, t.done
	t.client, t.cancel, t.done, t.handler = nil, nil, nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.StopSync()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Logout invalidates the saved access token and removes it from disk.
func (t *Transport) Logout(ctx context.Context) error {
	client, err := mautrix.NewClient(t.config.Homeserver, t.fullUserID(), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	if err := t.loadCredentials(client); err != nil {
		return fmt.Errorf("no saved matrix session: %w", err)
	}
	if _, err := client.Logout(ctx); err != nil {
		slog.Warn("matrix logout request failed", "error", err)
	}
	if err := os.Remove(t.credFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// --- Event Handlers ---

func (t *Transport) onMessage(_ context.Context, evt *event.Event) {
	t.mu.Lock()
	handler, startTime := t.handler, t.startTime
	t.mu.Unlock()

	if handler == nil || evt.Timestamp < startTime {
		return
	}
	if !t.isAllowed(evt.Sender) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	ev, ok := toInbound(evt, content)
	if !ok {
		return
	}

	slog.Info("matrix event received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"kind", ev.Kind,
		"content", truncate(ev.Body, 100),
	)
	handler(ev)
}

func (t *Transport) onMemberEvent(ctx context.Context, client *mautrix.Client, evt *event.Event) {
	if evt.GetStateKey() != string(client.UserID) {
		return
	}

	memberContent := evt.Content.AsMember()
	if memberContent == nil || memberContent.Membership != event.MembershipInvite {
		return
	}

	if !t.isAllowed(evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

// toInbound converts a room message. ok is false for events with nothing to relay.
func toInbound(evt *event.Event, content *event.MessageEventContent) (channel.InboundEvent, bool) {
	ev := channel.InboundEvent{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		ChatID:    string(evt.RoomID),
		Timestamp: evt.Timestamp,
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		if content.Body == "" {
			return ev, false
		}
		ev.Kind = channel.KindChat
		ev.Body = content.Body
	case event.MsgLocation:
		lat, lon, err := parseGeoURI(content.GeoURI)
		if err != nil {
			slog.Warn("ignoring location with bad geo_uri", "geo_uri", content.GeoURI, "error", err)
			return ev, false
		}
		ev.Kind = channel.KindLocation
		ev.Coordinates = &channel.Coordinates{Latitude: lat, Longitude: lon}
	default:
		ev.Kind = channel.KindOther
		ev.Body = content.Body
	}
	return ev, true
}

// parseGeoURI parses an RFC 5870 URI such as "geo:51.5008,0.1247;u=35".
func parseGeoURI(uri string) (lat, lon float64, err error) {
	rest, ok := strings.CutPrefix(uri, "geo:")
	if !ok {
		return 0, 0, fmt.Errorf("missing geo: scheme")
	}
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		rest = rest[:i]
	}
	parts := strings.Split(rest, ",")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("expected latitude,longitude")
	}
	if lat, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return 0, 0, fmt.Errorf("latitude: %w", err)
	}
	if lon, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return 0, 0, fmt.Errorf("longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("coordinates out of range")
	}
	return lat, lon, nil
}

// --- Credentials ---

func (t *Transport) loadCredentials(client *mautrix.Client) error {
	data, err := os.ReadFile(t.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	client.AccessToken = creds.AccessToken
	client.UserID = id.UserID(creds.UserID)
	client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (t *Transport) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(t.credFile, data, 0o600); err != nil {
		slog.Warn("failed to save matrix credentials", "error", err)
	}
}

// --- Helpers ---

func (t *Transport) isAllowed(sender id.UserID) bool {
	if len(t.config.AllowedUsers) == 0 || t.config.AllowedUsers[0] == "" {
		return true
	}
	for _, allowed := range t.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		n := runeCut(s, maxLen)
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

// runeCut returns the largest byte offset <= n that starts a rune. It always
// advances past at least one rune.
func runeCut(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for i := n; i > 0; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	_, size := utf8.DecodeRuneInString(s)
	return size
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:runeCut(s, n)] + "..."
	}
	return s
}

var _ channel.Transport = (*Transport)(nil)
