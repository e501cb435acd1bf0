package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lexrt/pkg/protocol"
	"lexrt/pkg/stream"
)

// ReasonConnectionLost is the failure reason given to sessions whose channel
// dropped while they were still running.
const ReasonConnectionLost = "connection lost"

// Summary events can beat the upload ack that names their session. Up to
// earlySessions unknown sessions keep their last earlyEvents events each
// until OpenSummary replays them.
const (
	earlySessions = 32
	earlyEvents   = 16
)

// BridgeOptions tunes a Bridge.
type BridgeOptions struct {
	// FailStreamsOnDisconnect fails every non-terminal session opened on a
	// channel when that channel disconnects or is disposed.
	FailStreamsOnDisconnect bool
	// NotificationCapacity bounds the notification log.
	NotificationCapacity int
}

// Bridge is the only path from inbound channel events to stream.Store.
// Per bound channel it keeps at most one domain listener set, attached when
// the channel authenticates and detached when it stops being authenticated.
type Bridge struct {
	store *stream.Store
	opts  BridgeOptions
	log   zerolog.Logger
	notes *NotificationLog

	mu       sync.Mutex
	bindings map[string]*binding

	nowFunc func() time.Time
}

type binding struct {
	ch        *Channel
	lifecycle []ListenerID
	set       []ListenerID // domain listeners; nil while detached
	attached  int          // number of listener sets attached so far
	sessions  map[string]stream.Kind

	// feed serializes summary delivery with OpenSummary.
	feed       sync.Mutex
	early      map[string][]protocol.Envelope
	earlyOrder []string
}

// NewBridge returns a Bridge writing into store.
func NewBridge(store *stream.Store, opts BridgeOptions, log zerolog.Logger) *Bridge {
	return &Bridge{
		store:    store,
		opts:     opts,
		log:      log.With().Str("component", "bridge").Logger(),
		notes:    NewNotificationLog(opts.NotificationCapacity),
		bindings: make(map[string]*binding),
		nowFunc:  time.Now,
	}
}

// Store returns the session store the bridge writes into.
func (b *Bridge) Store() *stream.Store { return b.store }

// Notifications returns the notification log.
func (b *Bridge) Notifications() *NotificationLog { return b.notes }

// Bind starts routing the events of ch. Binding the same channel twice is a
// no-op; binding a new channel under a name that was bound before releases
// the old binding first.
func (b *Bridge) Bind(ch *Channel) {
	name := ch.Name()

	b.mu.Lock()
	if cur, ok := b.bindings[name]; ok {
		if cur.ch == ch {
			b.mu.Unlock()
			return
		}
		b.releaseLocked(cur)
		delete(b.bindings, name)
	}
	bd := &binding{ch: ch, sessions: make(map[string]stream.Kind), early: make(map[string][]protocol.Envelope)}
	b.bindings[name] = bd
	bd.lifecycle = []ListenerID{
		ch.OnLifecycle(LifecycleAuthenticated, func(Lifecycle) { b.attach(bd) }),
		ch.OnLifecycle(LifecycleDeauthenticated, func(Lifecycle) { b.detach(bd) }),
		ch.OnLifecycle(LifecycleDisconnected, func(Lifecycle) { b.dropped(bd, ReasonConnectionLost) }),
		ch.OnLifecycle(LifecycleDisposed, func(Lifecycle) { b.disposed(bd) }),
	}
	b.mu.Unlock()

	// The channel may have authenticated before the lifecycle listeners
	// were in place.
	if ch.Snapshot().Auth == AuthAuthenticated {
		b.ensureAttached(bd)
	}
}

// ensureAttached attaches a listener set unless the authenticated listener
// already did.
func (b *Bridge) ensureAttached(bd *binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd.set == nil {
		b.attachLocked(bd)
	}
}

// Unbind stops routing events of the named channel. Sessions opened on it
// are left as they are.
func (b *Bridge) Unbind(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd, ok := b.bindings[name]; ok {
		b.releaseLocked(bd)
		delete(b.bindings, name)
	}
}

func (b *Bridge) releaseLocked(bd *binding) {
	b.detachLocked(bd)
	for _, id := range bd.lifecycle {
		bd.ch.Lifecycle().Off(id)
	}
	bd.lifecycle = nil
}

// ListenerSets returns how many domain listener sets are attached for the
// named channel: 0 or 1.
func (b *Bridge) ListenerSets(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd, ok := b.bindings[name]; ok && bd.set != nil {
		return 1
	}
	return 0
}

// Attachments returns how many listener sets were attached for the named
// channel over the life of its binding.
func (b *Bridge) Attachments(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd, ok := b.bindings[name]; ok {
		return bd.attached
	}
	return 0
}

// OpenChat creates a pending chat session for a session id obtained by
// correlation on channel.
func (b *Bridge) OpenChat(channel, sessionID string) (stream.Session, error) {
	return b.open(channel, sessionID, stream.KindChat)
}

// OpenSummary creates a pending summarization session for a session id
// obtained from an upload ack. Progress is expected on channel; events that
// reached channel before the session was opened are applied now, in order.
func (b *Bridge) OpenSummary(channel, sessionID string) (stream.Session, error) {
	b.mu.Lock()
	bd := b.bindings[channel]
	b.mu.Unlock()
	if bd == nil {
		return b.open(channel, sessionID, stream.KindSummarization)
	}

	bd.feed.Lock()
	defer bd.feed.Unlock()
	sess, err := b.open(channel, sessionID, stream.KindSummarization)
	if err != nil {
		return stream.Session{}, err
	}
	early := b.takeEarlyLocked(bd, sessionID)
	if len(early) == 0 {
		return sess, nil
	}
	b.log.Debug().Str("channel", channel).Str("session", sessionID).Int("events", len(early)).Msg("replaying early summary events")
	for _, env := range early {
		b.applySummary(bd, env)
	}
	sess, _ = b.store.Get(sessionID)
	return sess, nil
}

// EarlyEvents returns how many summary events are held for sessions not yet
// opened on the named channel.
func (b *Bridge) EarlyEvents(channel string) int {
	b.mu.Lock()
	bd := b.bindings[channel]
	b.mu.Unlock()
	if bd == nil {
		return 0
	}
	bd.feed.Lock()
	defer bd.feed.Unlock()
	n := 0
	for _, evs := range bd.early {
		n += len(evs)
	}
	return n
}

// Abort fails a session whose starting command could not be delivered, so
// no server event will ever end it.
func (b *Bridge) Abort(channel, sessionID string, kind stream.Kind, reason string) stream.Outcome {
	out := b.store.Fail(sessionID, kind, reason)
	b.mu.Lock()
	if bd, ok := b.bindings[channel]; ok {
		delete(bd.sessions, sessionID)
	}
	b.mu.Unlock()
	return out
}

func (b *Bridge) open(channel, sessionID string, kind stream.Kind) (stream.Session, error) {
	sess, err := b.store.Open(sessionID, kind)
	if err != nil {
		return stream.Session{}, err
	}
	b.mu.Lock()
	if bd, ok := b.bindings[channel]; ok {
		bd.sessions[sessionID] = kind
	}
	b.mu.Unlock()
	return sess, nil
}

func (b *Bridge) attach(bd *binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachLocked(bd)
}

func (b *Bridge) attachLocked(bd *binding) {
	if b.bindings[bd.ch.Name()] != bd {
		return
	}
	b.detachLocked(bd)

	ev := bd.ch.Events()
	bd.set = []ListenerID{
		ev.On(protocol.EventChatPartial, func(env protocol.Envelope) { b.onChatPartial(bd, env) }),
		ev.On(protocol.EventChatCompleted, func(env protocol.Envelope) { b.onChatCompleted(bd, env) }),
		ev.On(protocol.EventChatFailed, func(env protocol.Envelope) { b.onFailed(bd, stream.KindChat, env) }),
		ev.On(protocol.EventSummaryProgress, func(env protocol.Envelope) { b.onSummary(bd, env) }),
		ev.On(protocol.EventSummaryCompleted, func(env protocol.Envelope) { b.onSummary(bd, env) }),
		ev.On(protocol.EventSummaryFailed, func(env protocol.Envelope) { b.onSummary(bd, env) }),
		ev.On(protocol.EventNotification, func(env protocol.Envelope) { b.onNotification(bd, env) }),
	}
	bd.attached++
	b.log.Debug().Str("channel", bd.ch.Name()).Int("attached", bd.attached).Msg("listener set attached")
}

func (b *Bridge) detach(bd *binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(bd)
}

func (b *Bridge) detachLocked(bd *binding) {
	if bd.set == nil {
		return
	}
	for _, id := range bd.set {
		bd.ch.Events().Off(id)
	}
	bd.set = nil
	b.log.Debug().Str("channel", bd.ch.Name()).Msg("listener set detached")
}

// dropped detaches the listener set and, when configured, fails the
// sessions still running on the channel.
func (b *Bridge) dropped(bd *binding, reason string) {
	b.mu.Lock()
	b.detachLocked(bd)
	var running map[string]stream.Kind
	if b.opts.FailStreamsOnDisconnect && len(bd.sessions) > 0 {
		running = bd.sessions
		bd.sessions = make(map[string]stream.Kind)
	}
	b.mu.Unlock()

	for id, kind := range running {
		if b.store.Fail(id, kind, reason) == stream.Applied {
			b.log.Info().Str("channel", bd.ch.Name()).Str("session", id).Str("reason", reason).Msg("session failed")
		}
	}
}

func (b *Bridge) disposed(bd *binding) {
	b.dropped(bd, "channel disposed")
	b.mu.Lock()
	if b.bindings[bd.ch.Name()] == bd {
		delete(b.bindings, bd.ch.Name())
	}
	b.mu.Unlock()
}

// forget stops tracking a session once it reached a terminal state.
func (b *Bridge) forget(bd *binding, id string) {
	b.mu.Lock()
	delete(bd.sessions, id)
	b.mu.Unlock()
}

func (b *Bridge) decode(bd *binding, env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		b.log.Debug().Err(err).Str("channel", bd.ch.Name()).Str("event", env.Event).Msg("dropping malformed event")
		return false
	}
	return true
}

func (b *Bridge) logOutcome(bd *binding, env protocol.Envelope, id string, out stream.Outcome) {
	if out != stream.Applied {
		b.log.Debug().Str("channel", bd.ch.Name()).Str("event", env.Event).Str("session", id).Stringer("outcome", out).Msg("event not applied")
	}
}

func (b *Bridge) onChatPartial(bd *binding, env protocol.Envelope) {
	var p protocol.ChatPartialPayload
	if !b.decode(bd, env, &p) || !b.hasSession(bd, env, p.SessionID) {
		return
	}
	b.logOutcome(bd, env, p.SessionID, b.store.ApplyDelta(p.SessionID, stream.KindChat, p.Delta))
}

func (b *Bridge) onChatCompleted(bd *binding, env protocol.Envelope) {
	var p protocol.ChatCompletedPayload
	if !b.decode(bd, env, &p) || !b.hasSession(bd, env, p.SessionID) {
		return
	}
	out := b.store.Complete(p.SessionID, stream.KindChat, p.FullText)
	b.logOutcome(bd, env, p.SessionID, out)
	if out == stream.Applied {
		b.forget(bd, p.SessionID)
	}
}

// onSummary applies a summary event, or holds it when its session has not
// been opened yet.
func (b *Bridge) onSummary(bd *binding, env protocol.Envelope) {
	var ref struct {
		SessionID string `json:"sessionId"`
	}
	if !b.decode(bd, env, &ref) || !b.hasSession(bd, env, ref.SessionID) {
		return
	}
	bd.feed.Lock()
	defer bd.feed.Unlock()
	if _, ok := b.store.Get(ref.SessionID); !ok {
		b.holdEarlyLocked(bd, ref.SessionID, env)
		return
	}
	b.applySummary(bd, env)
}

func (b *Bridge) applySummary(bd *binding, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventSummaryProgress:
		b.onSummaryProgress(bd, env)
	case protocol.EventSummaryCompleted:
		b.onSummaryCompleted(bd, env)
	case protocol.EventSummaryFailed:
		b.onFailed(bd, stream.KindSummarization, env)
	}
}

func (b *Bridge) holdEarlyLocked(bd *binding, id string, env protocol.Envelope) {
	evs, known := bd.early[id]
	if !known {
		if len(bd.earlyOrder) == earlySessions {
			delete(bd.early, bd.earlyOrder[0])
			bd.earlyOrder = bd.earlyOrder[1:]
		}
		bd.earlyOrder = append(bd.earlyOrder, id)
	}
	if len(evs) == earlyEvents {
		evs = evs[1:]
	}
	bd.early[id] = append(evs, env)
	b.log.Debug().Str("channel", bd.ch.Name()).Str("event", env.Event).Str("session", id).Msg("holding event for unopened session")
}

func (b *Bridge) takeEarlyLocked(bd *binding, id string) []protocol.Envelope {
	evs, ok := bd.early[id]
	if !ok {
		return nil
	}
	delete(bd.early, id)
	for i, other := range bd.earlyOrder {
		if other == id {
			bd.earlyOrder = append(bd.earlyOrder[:i], bd.earlyOrder[i+1:]...)
			break
		}
	}
	return evs
}

func (b *Bridge) onSummaryProgress(bd *binding, env protocol.Envelope) {
	var p protocol.SummaryProgressPayload
	if !b.decode(bd, env, &p) || !b.hasSession(bd, env, p.SessionID) {
		return
	}
	b.logOutcome(bd, env, p.SessionID, b.store.ApplyProgress(p.SessionID, p.Percent))
}

func (b *Bridge) onSummaryCompleted(bd *binding, env protocol.Envelope) {
	var p protocol.SummaryCompletedPayload
	if !b.decode(bd, env, &p) || !b.hasSession(bd, env, p.SessionID) {
		return
	}
	out := b.store.Complete(p.SessionID, stream.KindSummarization, p.Result)
	b.logOutcome(bd, env, p.SessionID, out)
	if out == stream.Applied {
		b.forget(bd, p.SessionID)
	}
}

func (b *Bridge) onFailed(bd *binding, kind stream.Kind, env protocol.Envelope) {
	var p protocol.FailedPayload
	if !b.decode(bd, env, &p) || !b.hasSession(bd, env, p.SessionID) {
		return
	}
	out := b.store.Fail(p.SessionID, kind, p.Reason)
	b.logOutcome(bd, env, p.SessionID, out)
	if out == stream.Applied {
		b.log.Info().Str("channel", bd.ch.Name()).Str("session", p.SessionID).Str("reason", p.Reason).Msg("session failed")
		b.forget(bd, p.SessionID)
	}
}

func (b *Bridge) onNotification(bd *binding, env protocol.Envelope) {
	var p protocol.NotificationPayload
	if !b.decode(bd, env, &p) {
		return
	}
	b.notes.Add(Notification{Channel: bd.ch.Name(), Level: p.Level, Message: p.Message, At: b.nowFunc()})
	b.log.Info().Str("channel", bd.ch.Name()).Str("level", p.Level).Msg(p.Message)
}

func (b *Bridge) hasSession(bd *binding, env protocol.Envelope, id string) bool {
	if id == "" {
		b.log.Debug().Str("channel", bd.ch.Name()).Str("event", env.Event).Msg("dropping event without sessionId")
		return false
	}
	return true
}
