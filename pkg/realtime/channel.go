// Package realtime coordinates namespace channels to the event server: the
// connection lifecycle with bounded retries, the per-channel authentication
// handshake, one-shot session correlation, and the bridge that turns
// inbound events into streaming session state.
//
// Each live transport has exactly one reader goroutine, and inbound events
// are dispatched serially on it, so listeners observe server order.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lexrt/pkg/protocol"
	"lexrt/pkg/transport"
)

// TransportState is the connection state of a channel.
type TransportState string

// Transport state constants.
const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
)

// AuthState is the handshake state of a channel.
type AuthState string

// Auth state constants.
const (
	AuthUnauthenticated AuthState = "unauthenticated"
	AuthAuthenticating  AuthState = "authenticating"
	AuthAuthenticated   AuthState = "authenticated"
	AuthFailed          AuthState = "auth_failed"
)

// LifecycleKind names a channel-level event.
type LifecycleKind string

// Lifecycle event kinds published on Channel.Lifecycle.
const (
	LifecycleConnected       LifecycleKind = "connected"
	LifecycleConnectError    LifecycleKind = "connect_error"
	LifecycleGaveUp          LifecycleKind = "gave_up"
	LifecycleDisconnected    LifecycleKind = "disconnected"
	LifecycleAuthenticated   LifecycleKind = "authenticated"
	LifecycleAuthFailed      LifecycleKind = "auth_failed"
	LifecycleDeauthenticated LifecycleKind = "deauthenticated"
	LifecycleDisposed        LifecycleKind = "disposed"
)

// Lifecycle is published on every channel-level transition.
type Lifecycle struct {
	Kind     LifecycleKind
	Err      error
	Snapshot ChannelSnapshot
}

// ChannelSnapshot is a read-only view of a channel.
type ChannelSnapshot struct {
	Name      string         `json:"name"`
	Transport TransportState `json:"transport"`
	Auth      AuthState      `json:"auth"`
	Identity  string         `json:"identity,omitempty"` // bound identity, set only while authenticated
	LastError string         `json:"last_error,omitempty"`
	Attempts  int            `json:"attempts"` // failed dials in the current cycle
	Cycle     uint64         `json:"cycle"`    // increments with every transport cycle
	Disposed  bool           `json:"disposed,omitempty"`
}

// cycle is one attempt to bring up and hold a transport. A new cycle
// supersedes the previous one; goroutines of a superseded cycle notice that
// c.cycle changed and exit without touching channel state.
type cycle struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	tr     transport.Transport
	ready  chan struct{} // closed once connected or given up
	err    error         // set before ready closes when the cycle failed
}

type reconnectOp struct {
	done chan struct{}
	err  error
}

func (op *reconnectOp) wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel is one named duplex connection. It owns its transport exclusively.
type Channel struct {
	name   string
	cfg    Config
	dialer transport.Dialer
	log    zerolog.Logger

	events    *Emitter[protocol.Envelope]
	lifecycle *Emitter[Lifecycle]

	mu              sync.Mutex
	cycle           *cycle
	cycleSeq        uint64
	tState          TransportState
	aState          AuthState
	lastErr         error
	attempts        int
	identity        string // identity to authenticate with
	pendingIdentity string // identity carried by the in-flight authenticate
	boundIdentity   string
	reconnecting    *reconnectOp
	disposed        bool
}

func newChannel(name string, dialer transport.Dialer, cfg Config, log zerolog.Logger) *Channel {
	return &Channel{
		name:      name,
		cfg:       cfg.withDefaults(),
		dialer:    dialer,
		log:       log.With().Str("channel", name).Logger(),
		events:    NewEmitter[protocol.Envelope](),
		lifecycle: NewEmitter[Lifecycle](),
		tState:    StateDisconnected,
		aState:    AuthUnauthenticated,
	}
}

// Name returns the namespace of the channel.
func (c *Channel) Name() string { return c.name }

// Events is the inbound domain event surface. Only events received while
// the channel is authenticated are emitted here.
func (c *Channel) Events() *Emitter[protocol.Envelope] { return c.events }

// Lifecycle publishes channel-level transitions keyed by LifecycleKind.
func (c *Channel) Lifecycle() *Emitter[Lifecycle] { return c.lifecycle }

// OnLifecycle registers fn for kind.
func (c *Channel) OnLifecycle(kind LifecycleKind, fn func(Lifecycle)) ListenerID {
	return c.lifecycle.On(string(kind), fn)
}

// Snapshot returns the current channel state.
func (c *Channel) Snapshot() ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Channel) snapshotLocked() ChannelSnapshot {
	s := ChannelSnapshot{
		Name:      c.name,
		Transport: c.tState,
		Auth:      c.aState,
		Identity:  c.boundIdentity,
		Attempts:  c.attempts,
		Cycle:     c.cycleSeq,
		Disposed:  c.disposed,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// LastError returns the most recent connection or auth error, if any.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Disposed reports whether the channel was disposed.
func (c *Channel) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Channel) publish(kind LifecycleKind, err error) {
	snap := c.Snapshot()
	c.lifecycle.Emit(string(kind), Lifecycle{Kind: kind, Err: err, Snapshot: snap})
}

// Connect starts a transport cycle unless one is already connecting or
// connected. Failures surface as channel state and lifecycle events.
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return protocol.ErrChannelDisposed
	}
	if c.tState != StateDisconnected {
		return nil
	}
	c.startCycleLocked(0)
	return nil
}

func (c *Channel) startCycleLocked(delay time.Duration) *cycle {
	c.cycleSeq++
	ctx, cancel := context.WithCancel(context.Background())
	cy := &cycle{id: c.cycleSeq, ctx: ctx, cancel: cancel, ready: make(chan struct{})}
	c.cycle = cy
	c.tState = StateConnecting
	c.attempts = 0
	go c.dialLoop(cy, delay)
	return cy
}

// dialLoop dials until it attaches a transport, the cycle is superseded, or
// MaxRetries redials failed.
func (c *Channel) dialLoop(cy *cycle, delay time.Duration) {
	if delay > 0 && !sleepCtx(cy.ctx, delay) {
		return
	}
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(cy.ctx, c.cfg.DialTimeout)
		tr, err := c.dialer.Dial(dialCtx, c.name)
		cancel()
		if err == nil {
			if c.attach(cy, tr) {
				go c.readLoop(cy, tr)
			}
			return
		}
		if cy.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.cycle != cy {
			c.mu.Unlock()
			return
		}
		c.attempts = attempt
		c.lastErr = err
		c.mu.Unlock()

		c.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		c.publish(LifecycleConnectError, err)

		if attempt > c.cfg.MaxRetries {
			c.giveUp(cy, attempt, err)
			return
		}
		if !sleepCtx(cy.ctx, c.cfg.backoff(attempt)) {
			return
		}
	}
}

func (c *Channel) attach(cy *cycle, tr transport.Transport) bool {
	c.mu.Lock()
	if c.cycle != cy || c.disposed {
		c.mu.Unlock()
		_ = tr.Close()
		return false
	}
	cy.tr = tr
	c.tState = StateConnected
	c.aState = AuthUnauthenticated
	c.attempts = 0
	c.lastErr = nil
	close(cy.ready)
	c.mu.Unlock()

	c.log.Info().Uint64("cycle", cy.id).Msg("connected")
	c.publish(LifecycleConnected, nil)
	c.maybeAuthenticate()
	return true
}

func (c *Channel) giveUp(cy *cycle, attempts int, last error) {
	gaveUp := &protocol.GaveUpError{Channel: c.name, Attempts: attempts, Last: last}

	c.mu.Lock()
	if c.cycle != cy {
		c.mu.Unlock()
		return
	}
	cy.cancel()
	cy.err = gaveUp
	close(cy.ready)
	c.cycle = nil
	c.tState = StateDisconnected
	c.lastErr = gaveUp
	c.mu.Unlock()

	c.log.Error().Err(gaveUp).Msg("giving up on channel")
	c.publish(LifecycleGaveUp, gaveUp)
}

func (c *Channel) readLoop(cy *cycle, tr transport.Transport) {
	for {
		env, err := tr.Receive()
		if err != nil {
			c.handleDrop(cy, err)
			return
		}
		c.dispatch(cy, env)
	}
}

func (c *Channel) dispatch(cy *cycle, env protocol.Envelope) {
	if protocol.IsAuthEvent(env.Event) {
		c.handleAuthReply(cy, env)
		return
	}

	c.mu.Lock()
	current := c.cycle == cy
	authed := c.aState == AuthAuthenticated
	c.mu.Unlock()

	if !current {
		return
	}
	if !authed {
		c.log.Debug().Str("event", env.Event).Msg("dropping event received before authentication")
		return
	}
	c.events.Emit(env.Event, env)
}

// handleDrop runs when the reader of cy fails. Drops of superseded cycles
// are intentional teardowns and are ignored.
func (c *Channel) handleDrop(cy *cycle, err error) {
	c.mu.Lock()
	if c.cycle != cy || c.disposed {
		c.mu.Unlock()
		return
	}
	cy.cancel()
	tr := cy.tr
	cy.tr = nil
	c.tState = StateDisconnected
	c.aState = AuthUnauthenticated
	c.boundIdentity = ""
	c.lastErr = err
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.log.Warn().Err(err).Msg("transport dropped")
	c.publish(LifecycleDisconnected, err)

	if c.cfg.DisableAutoReconnect {
		return
	}
	c.mu.Lock()
	if c.cycle == cy && !c.disposed {
		c.startCycleLocked(c.cfg.backoff(1))
	}
	c.mu.Unlock()
}

// Reconnect tears down the live transport and brings up a fresh one. It
// returns once connected, or a *protocol.TimeoutError after
// ReconnectTimeout. Callers arriving while a reconnect is in flight wait for
// that one instead of starting another. A caller whose ctx ends stops
// waiting with ctx's error; the reconnect itself carries on for the others.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return protocol.ErrChannelDisposed
	}
	if op := c.reconnecting; op != nil {
		c.mu.Unlock()
		return op.wait(ctx)
	}
	op := &reconnectOp{done: make(chan struct{})}
	c.reconnecting = op

	old := c.cycle
	wasConnected := c.tState == StateConnected
	var oldTr transport.Transport
	if old != nil {
		old.cancel()
		oldTr = old.tr
		old.tr = nil
	}
	c.cycle = nil
	c.tState = StateDisconnected
	c.aState = AuthUnauthenticated
	c.boundIdentity = ""
	c.mu.Unlock()

	if oldTr != nil {
		_ = oldTr.Close()
	}
	if wasConnected {
		c.publish(LifecycleDisconnected, nil)
	}

	c.mu.Lock()
	cy := c.startCycleLocked(0)
	c.mu.Unlock()
	c.log.Info().Uint64("cycle", cy.id).Msg("reconnecting")

	// The outcome belongs to the reconnect, not to the caller that started
	// it; every caller bounds its own wait with its ctx.
	go func() {
		err := c.awaitCycle(cy)
		c.mu.Lock()
		op.err = err
		c.reconnecting = nil
		c.mu.Unlock()
		close(op.done)
	}()
	return op.wait(ctx)
}

func (c *Channel) awaitCycle(cy *cycle) error {
	timer := time.NewTimer(c.cfg.ReconnectTimeout)
	defer timer.Stop()

	select {
	case <-cy.ready:
		return cy.err
	case <-timer.C:
	}

	tErr := &protocol.TimeoutError{Op: "reconnect", Channel: c.name, After: c.cfg.ReconnectTimeout}
	c.mu.Lock()
	// ready closes under c.mu, so this check cannot miss an attach that
	// landed after the timer fired.
	select {
	case <-cy.ready:
		c.mu.Unlock()
		return cy.err
	default:
	}
	if c.cycle != cy {
		c.mu.Unlock()
		return tErr
	}
	cy.cancel()
	c.cycle = nil
	c.tState = StateDisconnected
	c.lastErr = tErr
	c.mu.Unlock()

	c.log.Error().Err(tErr).Msg("reconnect timed out")
	c.publish(LifecycleGaveUp, tErr)
	return tErr
}

// Dispose closes the transport and releases every listener. A disposed
// channel cannot be reused.
func (c *Channel) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	cy := c.cycle
	c.cycle = nil
	c.tState = StateDisconnected
	c.aState = AuthUnauthenticated
	c.boundIdentity = ""
	var tr transport.Transport
	if cy != nil {
		cy.cancel()
		tr = cy.tr
		cy.tr = nil
	}
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.log.Debug().Msg("disposed")
	c.publish(LifecycleDisposed, nil)
	c.events.Clear()
	c.lifecycle.Clear()
}

// Send emits a domain command. The channel must be authenticated.
func (c *Channel) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return protocol.ErrChannelDisposed
	}
	if c.cycle == nil || c.cycle.tr == nil || c.tState != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("send %s on %s: %w", env.Event, c.name, protocol.ErrNotConnected)
	}
	if c.aState != AuthAuthenticated {
		c.mu.Unlock()
		return fmt.Errorf("send %s on %s: %w", env.Event, c.name, protocol.ErrNotAuthenticated)
	}
	tr := c.cycle.tr
	c.mu.Unlock()

	if err := tr.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s on %s: %w", env.Event, c.name, err)
	}
	return nil
}

// WaitAuthenticated blocks until the channel is authenticated, the
// handshake is rejected, retries are exhausted, or ctx ends.
func (c *Channel) WaitAuthenticated(ctx context.Context) error {
	done := make(chan error, 1)
	signal := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	ids := []ListenerID{
		c.OnLifecycle(LifecycleAuthenticated, func(Lifecycle) { signal(nil) }),
		c.OnLifecycle(LifecycleAuthFailed, func(l Lifecycle) { signal(l.Err) }),
		c.OnLifecycle(LifecycleGaveUp, func(l Lifecycle) { signal(l.Err) }),
		c.OnLifecycle(LifecycleDisposed, func(Lifecycle) { signal(protocol.ErrChannelDisposed) }),
	}
	defer func() {
		for _, id := range ids {
			c.lifecycle.Off(id)
		}
	}()

	// Check after registering so a transition in between is not lost.
	c.mu.Lock()
	disposed, auth, lastErr := c.disposed, c.aState, c.lastErr
	idle := c.cycle == nil && c.reconnecting == nil
	c.mu.Unlock()
	switch {
	case disposed:
		return protocol.ErrChannelDisposed
	case auth == AuthAuthenticated:
		return nil
	case auth == AuthFailed:
		return lastErr
	case idle:
		if lastErr != nil {
			return lastErr
		}
		return protocol.ErrNotConnected
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
