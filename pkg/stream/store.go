package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSessionActive is returned by Open when a non-terminal session with the
// same id already exists.
var ErrSessionActive = errors.New("session still active")

// Store owns every StreamingSession. It is written by the realtime bridge
// and read by everything else.
type Store struct {
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[int]func(Session)
	terminal map[int]func(Session)
	nextSub  int

	nowFunc func() time.Time
}

// NewStore creates an empty Store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:      log.With().Str("component", "stream").Logger(),
		sessions: make(map[string]*Session),
		subs:     make(map[int]func(Session)),
		terminal: make(map[int]func(Session)),
		nowFunc:  time.Now,
	}
}

// SetClock overrides the time source (for testing).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

// Open creates a pending session. An existing terminal session with the
// same id is replaced, which is how a new operation on a reused id starts.
func (s *Store) Open(id string, kind Kind) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("open %s session: empty id", kind)
	}

	s.mu.Lock()
	if cur, ok := s.sessions[id]; ok && !cur.Status.Terminal() {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("open session %s: %w", id, ErrSessionActive)
	}
	now := s.nowFunc()
	sess := &Session{ID: id, Kind: kind, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	snap, subs := *sess, s.subscribersLocked()
	s.mu.Unlock()

	s.log.Debug().Str("session", id).Str("kind", string(kind)).Msg("session opened")
	notify(subs, snap)
	return snap, nil
}

// ApplyDelta appends a streamed chunk to a chat session.
func (s *Store) ApplyDelta(id string, kind Kind, delta string) Outcome {
	return s.mutate(id, kind, "delta", func(sess *Session) {
		sess.Status = StatusStreaming
		sess.Content += delta
	})
}

// ApplyProgress records a progress report. Values are clamped to [0,100]
// and the stored value never moves backwards.
func (s *Store) ApplyProgress(id string, percent int) Outcome {
	return s.mutate(id, KindSummarization, "progress", func(sess *Session) {
		sess.Status = StatusStreaming
		if p := clampPercent(percent); p > sess.Progress {
			sess.Progress = p
		}
	})
}

// Complete freezes the session as completed. A non-empty content replaces
// what was accumulated so far.
func (s *Store) Complete(id string, kind Kind, content string) Outcome {
	return s.mutate(id, kind, "completed", func(sess *Session) {
		sess.Status = StatusCompleted
		if content != "" {
			sess.Content = content
		}
		if sess.Kind == KindSummarization {
			sess.Progress = 100
		}
	})
}

// Fail freezes the session as failed with reason.
func (s *Store) Fail(id string, kind Kind, reason string) Outcome {
	return s.mutate(id, kind, "failed", func(sess *Session) {
		sess.Status = StatusFailed
		if reason == "" {
			reason = "operation failed"
		}
		sess.Error = reason
	})
}

func (s *Store) mutate(id string, kind Kind, what string, apply func(*Session)) Outcome {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	switch {
	case !ok:
		s.mu.Unlock()
		s.log.Debug().Str("session", id).Str("event", what).Msg("dropping event for unknown session")
		return DroppedUnknown
	case sess.Kind != kind:
		s.mu.Unlock()
		s.log.Debug().Str("session", id).Str("event", what).Str("kind", string(kind)).Msg("dropping event of another kind")
		return DroppedKind
	case sess.Status.Terminal():
		status := sess.Status
		s.mu.Unlock()
		s.log.Debug().Str("session", id).Str("event", what).Str("status", string(status)).Msg("dropping event after terminal state")
		return DroppedTerminal
	}

	apply(sess)
	sess.UpdatedAt = s.nowFunc()
	snap := *sess
	subs := s.subscribersLocked()
	var terms []func(Session)
	if snap.Status.Terminal() {
		terms = make([]func(Session), 0, len(s.terminal))
		for _, fn := range s.terminal {
			terms = append(terms, fn)
		}
	}
	s.mu.Unlock()

	notify(subs, snap)
	notify(terms, snap)
	return Applied
}

func (s *Store) subscribersLocked() []func(Session) {
	out := make([]func(Session), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func notify(fns []func(Session), sess Session) {
	for _, fn := range fns {
		fn(sess)
	}
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// List returns copies of every session, oldest first.
func (s *Store) List() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Clear forgets a session. Later events for its id are dropped as unknown.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Subscribe calls fn with a copy of every session after it changes.
// fn runs on the goroutine that applied the change and must not block.
func (s *Store) Subscribe(fn func(Session)) (cancel func()) {
	return s.register(s.subs, fn)
}

// OnTerminal calls fn once per session when it reaches completed or failed.
func (s *Store) OnTerminal(fn func(Session)) (cancel func()) {
	return s.register(s.terminal, fn)
}

func (s *Store) register(set map[int]func(Session), fn func(Session)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	set[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(set, id)
			s.mu.Unlock()
		})
	}
}
