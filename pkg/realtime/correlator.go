package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lexrt/pkg/protocol"
)

// DefaultCorrelationTimeout bounds the wait for a session id.
const DefaultCorrelationTimeout = 30 * time.Second

// PendingCorrelation is a start command waiting for its session id.
type PendingCorrelation struct {
	ActionID  string // local only, never sent
	Slot      string
	Channel   string
	Event     string // correlation event awaited
	CreatedAt time.Time
	TimeoutAt time.Time

	listener ListenerID
}

// Correlator matches a locally issued start command with the session id in
// the server's first reply. A slot holds at most one pending start; a second
// Start on a busy slot is rejected with protocol.ErrCorrelationPending.
type Correlator struct {
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*PendingCorrelation

	// sendMu keeps listener registration and send in one order, so replies,
	// which carry no request token, resolve starts first in first out.
	sendMu sync.Mutex

	newID   func() string
	nowFunc func() time.Time
}

// NewCorrelator returns a Correlator waiting at most timeout per Start.
func NewCorrelator(timeout time.Duration, log zerolog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultCorrelationTimeout
	}
	return &Correlator{
		timeout: timeout,
		log:     log.With().Str("component", "correlator").Logger(),
		pending: make(map[string]*PendingCorrelation),
		newID:   func() string { return uuid.New().String() },
		nowFunc: time.Now,
	}
}

// Start sends cmd on ch and returns the sessionId carried by the
// correlationEvent that answers it. Replies are matched to starts in send
// order. The one-shot listener is registered before
// cmd is sent and is removed on every exit path. The wait fails on timeout
// (*protocol.TimeoutError), ctx cancellation, send error, or when the
// channel drops (protocol.ErrDisconnected).
func (c *Correlator) Start(ctx context.Context, ch *Channel, slot string, cmd protocol.Envelope, correlationEvent string) (string, error) {
	if ch.Disposed() {
		return "", fmt.Errorf("start %s: %w", cmd.Event, protocol.ErrChannelDisposed)
	}

	now := c.nowFunc()
	p := &PendingCorrelation{
		ActionID:  c.newID(),
		Slot:      slot,
		Channel:   ch.Name(),
		Event:     correlationEvent,
		CreatedAt: now,
		TimeoutAt: now.Add(c.timeout),
	}

	c.mu.Lock()
	if _, busy := c.pending[slot]; busy {
		c.mu.Unlock()
		return "", fmt.Errorf("start %s for slot %s: %w", cmd.Event, slot, protocol.ErrCorrelationPending)
	}
	c.pending[slot] = p
	c.mu.Unlock()
	defer c.release(slot, p)

	// Both channels hold one value and every send is non-blocking, so late
	// listeners never block the channel's reader.
	resolved := make(chan protocol.Envelope, 1)
	aborted := make(chan error, 1)
	abort := func(err error) {
		select {
		case aborted <- err:
		default:
		}
	}

	dropID := ch.OnLifecycle(LifecycleDisconnected, func(Lifecycle) { abort(protocol.ErrDisconnected) })
	defer ch.Lifecycle().Off(dropID)
	deauthID := ch.OnLifecycle(LifecycleDeauthenticated, func(Lifecycle) { abort(protocol.ErrNotAuthenticated) })
	defer ch.Lifecycle().Off(deauthID)
	disposeID := ch.OnLifecycle(LifecycleDisposed, func(Lifecycle) { abort(protocol.ErrChannelDisposed) })
	defer ch.Lifecycle().Off(disposeID)

	c.log.Debug().Str("action", p.ActionID).Str("slot", slot).Str("command", cmd.Event).Msg("correlation pending")

	c.sendMu.Lock()
	id := ch.Events().Once(correlationEvent, func(env protocol.Envelope) { resolved <- env })
	err := ch.Send(ctx, cmd)
	c.sendMu.Unlock()
	defer ch.Events().Off(id)
	c.mu.Lock()
	p.listener = id
	c.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("start %s: %w", cmd.Event, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case env := <-resolved:
		var started protocol.SessionStartedPayload
		if err := env.Decode(&started); err != nil {
			return "", fmt.Errorf("correlate %s: %w", correlationEvent, err)
		}
		if started.SessionID == "" {
			return "", fmt.Errorf("correlate %s: reply carried no sessionId", correlationEvent)
		}
		c.log.Debug().Str("action", p.ActionID).Str("session", started.SessionID).Msg("correlation resolved")
		return started.SessionID, nil
	case err := <-aborted:
		return "", fmt.Errorf("correlate %s: %w", correlationEvent, err)
	case <-timer.C:
		c.log.Warn().Str("action", p.ActionID).Str("slot", slot).Msg("correlation timed out")
		return "", &protocol.TimeoutError{Op: "correlate " + correlationEvent, Channel: ch.Name(), After: c.timeout}
	case <-ctx.Done():
		return "", fmt.Errorf("correlate %s: %w", correlationEvent, ctx.Err())
	}
}

func (c *Correlator) release(slot string, p *PendingCorrelation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[slot] == p {
		delete(c.pending, slot)
	}
}

// InFlight reports whether slot has a pending start.
func (c *Correlator) InFlight(slot string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[slot]
	return ok
}

// Pending returns copies of the pending correlations, oldest first.
func (c *Correlator) Pending() []PendingCorrelation {
	c.mu.Lock()
	out := make([]PendingCorrelation, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
