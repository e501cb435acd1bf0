package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lexrt/pkg/protocol"
	"lexrt/pkg/realtime"
	"lexrt/pkg/transport"
)

var errDropped = errors.New("connection reset")

// fakeTransport is one in-memory connection. in carries server frames to
// the channel; commands sent by the channel are handled by fakeServer.
type fakeTransport struct {
	ns     string
	in     chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
	srv    *fakeServer
}

func (t *fakeTransport) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-t.closed:
		return transport.ErrClosed
	default:
	}
	t.srv.handle(t, env)
	return nil
}

func (t *fakeTransport) Receive() (protocol.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return protocol.Envelope{}, errDropped
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.srv.closedOne()
	})
	return nil
}

// push delivers a server frame unless the connection is gone.
func (t *fakeTransport) push(event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	select {
	case t.in <- env:
	case <-t.closed:
	}
}

// fakeServer is a transport.Dialer that answers the handshake itself.
type fakeServer struct {
	mu          sync.Mutex
	failDials   int  // number of dials that fail before one succeeds
	failAll     bool // every dial fails
	hangDials   bool // dials block until their context ends
	dialDelay   time.Duration
	noAuthReply bool
	reject      map[string]string // identity -> reason
	sessionID   string            // reply to start_chat when set
	dials       int
	live        int
	maxLive     int
	conns       []*fakeTransport
	commands    []protocol.Envelope
}

func newFakeServer() *fakeServer {
	return &fakeServer{reject: make(map[string]string)}
}

func (s *fakeServer) Dial(ctx context.Context, ns string) (transport.Transport, error) {
	s.mu.Lock()
	s.dials++
	hang := s.hangDials
	delay := s.dialDelay
	if s.failAll || s.failDials > 0 {
		if s.failDials > 0 {
			s.failDials--
		}
		s.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		// The dial completes even if the caller gave up, like a handshake
		// that was already on the wire.
		time.Sleep(delay)
	}

	tr := &fakeTransport{ns: ns, in: make(chan protocol.Envelope, 64), closed: make(chan struct{}), srv: s}
	s.mu.Lock()
	s.live++
	if s.live > s.maxLive {
		s.maxLive = s.live
	}
	s.conns = append(s.conns, tr)
	s.mu.Unlock()
	return tr, nil
}

func (s *fakeServer) closedOne() {
	s.mu.Lock()
	s.live--
	s.mu.Unlock()
}

func (s *fakeServer) handle(tr *fakeTransport, env protocol.Envelope) {
	s.mu.Lock()
	s.commands = append(s.commands, env)
	noAuth := s.noAuthReply
	sessionID := s.sessionID
	s.mu.Unlock()

	switch env.Event {
	case protocol.EventAuthenticate:
		if noAuth {
			return
		}
		var p protocol.AuthenticatePayload
		_ = env.Decode(&p)
		s.mu.Lock()
		reason, rejected := s.reject[p.Identity]
		s.mu.Unlock()
		// Reply from another goroutine, as a real server would.
		go func() {
			if rejected {
				tr.push(protocol.EventAuthError, protocol.AuthErrorPayload{Reason: reason})
				return
			}
			tr.push(protocol.EventAuthSuccess, protocol.AuthSuccessPayload{Identity: p.Identity})
		}()
	case protocol.EventStartChat:
		if sessionID != "" {
			go tr.push(protocol.EventChatSessionStarted, protocol.SessionStartedPayload{SessionID: sessionID})
		}
	}
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.commands {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) liveMax() (live, maxLive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live, s.maxLive
}

// latest returns the most recent transport for ns.
func (s *fakeServer) latest(ns string) *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.conns) - 1; i >= 0; i-- {
		if s.conns[i].ns == ns {
			return s.conns[i]
		}
	}
	return nil
}

func fastConfig() realtime.Config {
	return realtime.Config{
		MaxRetries:       2,
		BaseBackoff:      5 * time.Millisecond,
		MaxBackoff:       20 * time.Millisecond,
		DialTimeout:      time.Second,
		ReconnectTimeout: 2 * time.Second,
	}
}

func newRegistry(t *testing.T, srv *fakeServer, cfg realtime.Config) *realtime.Registry {
	t.Helper()
	r := realtime.NewRegistry(srv, cfg, zerolog.Nop())
	t.Cleanup(r.Close)
	return r
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// authedChannel returns a channel authenticated as identity.
func authedChannel(t *testing.T, r *realtime.Registry, name, identity string) *realtime.Channel {
	t.Helper()
	r.SetIdentity(identity)
	ch, err := r.Get(name)
	require.NoError(t, err)
	require.NoError(t, ch.WaitAuthenticated(testContext(t)))
	return ch
}

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)
