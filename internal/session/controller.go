// Package session owns the single transport session.
//
// The Controller drives the session state machine
//
//	DISCONNECTED → AWAITING_QR → AUTHENTICATING → READY → DISCONNECTED
//
// from transport lifecycle events. Transport callbacks never touch the session
// directly: they enqueue onto one channel that only the controller goroutine
// reads, so the session has exactly one writer and events keep their order.
//
// Every disconnect is a full recovery. The old Session is discarded together
// with its listener and inbound queue, a fresh Session is constructed and the
// transport is opened again. The reopen is immediate only when the old Session
// stayed READY for Config.StableAfter; otherwise it waits out an exponential
// backoff shared with failed opens. The inbound listener is attached at most
// once per Session, on its first READY.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nous-labs/wabridge/pkg/channel"
)

// Handler processes one inbound event. Calls for a given session are sequential.
type Handler func(ctx context.Context, sessionID string, ev channel.InboundEvent)

// Notifier observes session transitions. Methods are called from the
// controller goroutine and must not block.
type Notifier interface {
	PairingCode(sessionID, code string)
	StateChanged(sessionID string, from, to State)
	AuthFailure(sessionID, reason string)
}

// Config holds controller tuning.
type Config struct {
	SendRate       float64       // messages per second, 0 = unlimited
	SendBurst      int           // burst for SendRate
	QueueSize      int           // inbound events buffered per session (default 256)
	InitialBackoff time.Duration // first retry after a failed or short-lived session (default 2s)
	MaxBackoff     time.Duration // retry cap (default 2m)
	StableAfter    time.Duration // READY time after which a disconnect reopens at once (default 1m)
}

// ctrlEvent is one item on the controller queue. sessionID ties it to the
// Session instance that was current when the transport produced it.
type ctrlEvent struct {
	sessionID string
	lifecycle *channel.Event
	inbound   *channel.InboundEvent
	reopen    bool
}

// Controller owns the transport session.
type Controller struct {
	transport channel.Transport
	handler   Handler
	notifier  Notifier
	limiter   *rate.Limiter
	cfg       Config

	events   chan ctrlEvent
	done     chan struct{}
	doneOnce sync.Once
	workers  sync.WaitGroup

	// mu guards session fields for readers; only the controller goroutine writes.
	mu         sync.RWMutex
	session    *Session
	generation int

	backoff time.Duration
}

// New creates a controller. The session starts DISCONNECTED until Run.
func New(t channel.Transport, h Handler, n Notifier, cfg Config) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = time.Minute
	}
	if n == nil {
		n = nopNotifier{}
	}

	c := &Controller{
		transport:  t,
		handler:    h,
		notifier:   n,
		cfg:        cfg,
		events:     make(chan ctrlEvent, 64),
		done:       make(chan struct{}),
		session:    newSession(cfg.QueueSize),
		generation: 1,
		backoff:    cfg.InitialBackoff,
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	return c
}

// Run initializes the session and processes transport events until ctx is
// cancelled. It then closes the transport and waits for relay workers.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("session controller starting", "transport", c.transport.Name())
	c.initialize(ctx)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case e := <-c.events:
			c.handle(ctx, e)
		}
	}
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.state
}

// Snapshot returns a copy of the current session's observable fields.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.session
	return Snapshot{
		SessionID:        s.id,
		Generation:       c.generation,
		State:            s.state,
		PairingCode:      s.pairingCode,
		OwnIdentity:      s.ownIdentity,
		ListenerAttached: s.listenerAttached,
	}
}

// SendReply sends text to recipient through the transport. It fails with
// ErrTransportUnavailable unless the session is READY and with
// ErrDeliveryFailed when the transport rejects the message. It never retries.
func (c *Controller) SendReply(ctx context.Context, recipient, text string) error {
	c.mu.RLock()
	state := c.session.state
	id := c.session.id
	c.mu.RUnlock()

	if state != StateReady {
		return fmt.Errorf("%w: session is %s", ErrTransportUnavailable, state)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: send throttle: %w", ErrDeliveryFailed, err)
		}
	}

	if err := c.transport.Send(ctx, recipient, text); err != nil {
		slog.Error("send failed", "session", id, "recipient", recipient, "error", err)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	slog.Info("message sent", "session", id, "recipient", recipient, "len", len(text))
	return nil
}

// --- Event loop ---

func (c *Controller) enqueue(e ctrlEvent) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Controller) emitter(sessionID string) channel.EmitFunc {
	return func(ev channel.Event) {
		c.enqueue(ctrlEvent{sessionID: sessionID, lifecycle: &ev})
	}
}

func (c *Controller) inboundListener(sessionID string) channel.InboundHandler {
	return func(ev channel.InboundEvent) {
		c.enqueue(ctrlEvent{sessionID: sessionID, inbound: &ev})
	}
}

func (c *Controller) handle(ctx context.Context, e ctrlEvent) {
	s := c.session
	if e.sessionID != s.id {
		slog.Debug("dropping event from discarded session", "session", e.sessionID)
		return
	}

	switch {
	case e.reopen:
		if s.state != StateDisconnected {
			return
		}
		if s.opened {
			c.rebuild("retrying transport open")
		}
		c.initialize(ctx)
	case e.lifecycle != nil:
		c.handleLifecycle(ctx, s, *e.lifecycle)
	case e.inbound != nil:
		c.handleInbound(ctx, s, *e.inbound)
	}
}

func (c *Controller) handleLifecycle(ctx context.Context, s *Session, ev channel.Event) {
	slog.Debug("transport event", "session", s.id, "event", ev.Type, "state", s.state)

	switch ev.Type {
	case channel.EventPairingCode:
		if s.state != StateAwaitingQR {
			slog.Debug("ignoring pairing code outside awaiting_qr", "session", s.id, "state", s.state)
			return
		}
		c.mutate(func() { s.pairingCode = ev.Code })
		c.notifier.PairingCode(s.id, ev.Code)

	case channel.EventAuthenticated:
		slog.Info("session authenticated", "session", s.id, "identity", ev.Identity)
		c.mutate(func() {
			s.pairingCode = ""
			if ev.Identity != "" {
				s.ownIdentity = ev.Identity
			}
		})
		// ready may already have arrived; authenticated never moves backwards.
		if s.state == StateAwaitingQR {
			c.transition(s, StateAuthenticating)
		}

	case channel.EventReady:
		if s.state == StateDisconnected {
			return
		}
		c.mutate(func() {
			s.pairingCode = ""
			if ev.Identity != "" {
				s.ownIdentity = ev.Identity
			}
		})
		if s.state != StateReady {
			c.transition(s, StateReady)
			s.readyAt = time.Now()
			slog.Info("session ready", "session", s.id, "identity", s.ownIdentity)
		}
		if err := c.attachListener(s); err != nil {
			slog.Error("failed to attach inbound listener", "session", s.id, "error", err)
		}

	case channel.EventAuthFailure:
		slog.Error("authentication failed, scan the pairing code again", "session", s.id, "reason", ev.Reason)
		c.mutate(func() { s.pairingCode = "" })
		if s.state != StateAwaitingQR {
			c.transition(s, StateAwaitingQR)
		}
		c.notifier.AuthFailure(s.id, ev.Reason)

	case channel.EventDisconnected:
		slog.Warn("session disconnected, rebuilding", "session", s.id, "reason", ev.Reason)
		stable := !s.readyAt.IsZero() && time.Since(s.readyAt) >= c.cfg.StableAfter
		fresh := c.rebuild(ev.Reason)
		if stable {
			c.backoff = c.cfg.InitialBackoff
			c.initialize(ctx)
		} else {
			c.scheduleOpen(fresh, ev.Reason)
		}
	}
}

func (c *Controller) handleInbound(ctx context.Context, s *Session, ev channel.InboundEvent) {
	if !s.listenerAttached {
		return
	}
	if s.ownIdentity != "" && ev.SenderID == s.ownIdentity {
		slog.Debug("dropping self-echo", "session", s.id, "kind", ev.Kind)
		return
	}
	select {
	case s.inbound <- ev:
	case <-ctx.Done():
	}
}

// attachListener subscribes the inbound listener once per Session instance.
func (c *Controller) attachListener(s *Session) error {
	if s.listenerAttached {
		return nil
	}
	unsubscribe, err := c.transport.Subscribe(c.inboundListener(s.id))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.mutate(func() {
		s.listenerAttached = true
		s.unsubscribe = unsubscribe
	})
	slog.Info("inbound listener attached", "session", s.id)
	return nil
}

// initialize moves the current (fresh) session to AWAITING_QR, starts its
// relay worker and opens the transport.
func (c *Controller) initialize(ctx context.Context) {
	s := c.session
	s.opened = true
	c.transition(s, StateAwaitingQR)
	c.startWorker(ctx, s)

	if err := c.transport.Open(ctx, c.emitter(s.id)); err != nil {
		slog.Error("transport open failed", "session", s.id, "error", err)
		c.transition(s, StateDisconnected)
		c.scheduleOpen(s, err.Error())
	}
}

// scheduleOpen queues a reopen for s after the current backoff and doubles
// the backoff up to MaxBackoff.
func (c *Controller) scheduleOpen(s *Session, reason string) {
	delay := c.backoff
	c.backoff *= 2
	if c.backoff > c.cfg.MaxBackoff {
		c.backoff = c.cfg.MaxBackoff
	}
	slog.Info("transport reopen scheduled", "session", s.id, "reason", reason, "backoff", delay)
	time.AfterFunc(delay, func() {
		c.enqueue(ctrlEvent{sessionID: s.id, reopen: true})
	})
}

// rebuild discards the current session, closes the transport and installs a
// fresh DISCONNECTED session.
func (c *Controller) rebuild(reason string) *Session {
	old := c.session
	c.retire(old)
	if err := c.transport.Close(); err != nil {
		slog.Warn("transport close failed", "session", old.id, "error", err)
	}

	fresh := newSession(c.cfg.QueueSize)
	c.mu.Lock()
	c.session = fresh
	c.generation++
	c.mu.Unlock()

	slog.Info("session rebuilt", "old", old.id, "new", fresh.id, "reason", reason)
	return fresh
}

// retire detaches the listener and closes the inbound queue. Work already
// queued is finished by the old worker independently.
func (c *Controller) retire(s *Session) {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.state != StateDisconnected {
		c.transition(s, StateDisconnected)
	}
	close(s.inbound)
}

func (c *Controller) startWorker(ctx context.Context, s *Session) {
	if c.handler == nil {
		return
	}
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		for ev := range s.inbound {
			c.handler(ctx, s.id, ev)
		}
	}()
}

func (c *Controller) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
	c.retire(c.session)
	if err := c.transport.Close(); err != nil {
		slog.Warn("transport close failed", "error", err)
	}
	c.workers.Wait()
	slog.Info("session controller stopped")
}

func (c *Controller) transition(s *Session, to State) {
	from := s.state
	if from == to {
		return
	}
	c.mutate(func() { s.state = to })
	slog.Info("session state", "session", s.id, "from", from, "to", to)
	c.notifier.StateChanged(s.id, from, to)
}

func (c *Controller) mutate(f func()) {
	c.mu.Lock()
	f()
	c.mu.Unlock()
}

type nopNotifier struct{}

func (nopNotifier) PairingCode(string, string)        {}
func (nopNotifier) StateChanged(string, State, State) {}
func (nopNotifier) AuthFailure(string, string)        {}
