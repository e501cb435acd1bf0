// Package eventserver is a reference implementation of the realtime event
// server: namespaced WebSocket channels with an authenticate handshake, chat
// turns streamed word by word, and a REST upload endpoint whose
// summarization progress is pushed on the summary namespace.
//
// It backs `lexrt serve` and the end-to-end tests of the client.
package eventserver

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lexrt/pkg/protocol"
	"lexrt/pkg/transport"
)

// Config tunes the simulated backend.
type Config struct {
	// ChunkDelay separates chat:partial frames.
	ChunkDelay time.Duration
	// ProgressSteps are the summary:progress percentages sent per upload.
	ProgressSteps []int
	// ProgressDelay separates summarization steps. The first step also waits
	// this long so the uploader can register the session after the ack.
	ProgressDelay time.Duration
	// RejectIdentities are answered with auth:error.
	RejectIdentities []string
	// ResendTerminal repeats every completed/failed frame once.
	ResendTerminal bool
	// IgnoreStartChat leaves start_chat unanswered.
	IgnoreStartChat bool
	// Reply produces the assistant text for a chat turn.
	Reply func(history []protocol.ChatTurn, message string) string
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// MaxUploadBytes bounds an upload body.
	MaxUploadBytes int64
}

func (c Config) withDefaults() Config {
	if c.ChunkDelay == 0 {
		c.ChunkDelay = 20 * time.Millisecond
	}
	if len(c.ProgressSteps) == 0 {
		c.ProgressSteps = []int{20, 55, 100}
	}
	if c.ProgressDelay == 0 {
		c.ProgressDelay = 50 * time.Millisecond
	}
	if c.Reply == nil {
		c.Reply = EchoReply
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = transport.DefaultWriteTimeout
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 32 << 20
	}
	return c
}

// EchoReply is the default chat reply.
func EchoReply(history []protocol.ChatTurn, message string) string {
	return fmt.Sprintf("You said: %s (turn %d)", message, len(history)/2+1)
}

// Server serves the realtime namespaces and the upload endpoint.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[*conn]struct{}
	chats  map[string]string // chat session id -> owning identity
	closed bool

	newID func() string
}

// conn is one accepted WebSocket.
type conn struct {
	ns string
	tr transport.Transport

	mu       sync.Mutex
	identity string
}

func (c *conn) authedAs() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// New creates a Server. Call Close to stop its background work.
func New(cfg Config, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "eventserver").Logger(),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*conn]struct{}),
		chats:  make(map[string]string),
		newID:  func() string { return uuid.New().String() },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc(protocol.RealtimePathPrefix+"{namespace}", s.handleRealtime).Methods(http.MethodGet)
	s.router.HandleFunc(protocol.UploadPath, s.handleUpload).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.ConnectionCount(""))
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["namespace"]

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("namespace", ns).Msg("upgrade failed")
		return
	}
	c := &conn{ns: ns, tr: transport.NewWebSocket(wsConn, s.cfg.WriteTimeout)}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug().Str("namespace", ns).Msg("connection accepted")

	s.handleConn(c)
}

// handleConn reads envelopes until the connection fails.
func (s *Server) handleConn(c *conn) {
	defer func() {
		_ = c.tr.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.log.Debug().Str("namespace", c.ns).Msg("connection closed")
	}()

	for {
		env, err := c.tr.Receive()
		if err != nil {
			return
		}

		if env.Event == protocol.EventAuthenticate {
			s.handleAuthenticate(c, env)
			continue
		}
		if c.authedAs() == "" {
			s.log.Debug().Str("event", env.Event).Msg("ignoring command before authentication")
			continue
		}

		switch env.Event {
		case protocol.EventStartChat:
			s.handleStartChat(c, env)
		case protocol.EventChatMessage:
			s.handleChatMessage(c, env)
		default:
			s.log.Debug().Str("event", env.Event).Msg("ignoring unknown command")
		}
	}
}

func (s *Server) handleAuthenticate(c *conn, env protocol.Envelope) {
	var p protocol.AuthenticatePayload
	if err := env.Decode(&p); err != nil || p.Identity == "" {
		_ = s.send(c, protocol.EventAuthError, protocol.AuthErrorPayload{Reason: "missing identity"})
		return
	}
	if slices.Contains(s.cfg.RejectIdentities, p.Identity) {
		c.mu.Lock()
		c.identity = ""
		c.mu.Unlock()
		_ = s.send(c, protocol.EventAuthError, protocol.AuthErrorPayload{Reason: "identity not allowed"})
		return
	}

	c.mu.Lock()
	c.identity = p.Identity
	c.mu.Unlock()
	s.log.Debug().Str("namespace", c.ns).Str("identity", p.Identity).Msg("authenticated")
	_ = s.send(c, protocol.EventAuthSuccess, protocol.AuthSuccessPayload{Identity: p.Identity})
}

func (s *Server) handleStartChat(c *conn, env protocol.Envelope) {
	if s.cfg.IgnoreStartChat {
		return
	}
	var p protocol.StartChatPayload
	_ = env.Decode(&p)

	id := s.newID()
	s.mu.Lock()
	s.chats[id] = c.authedAs()
	s.mu.Unlock()

	s.log.Debug().Str("session", id).Str("user", p.UserID).Msg("chat session started")
	_ = s.send(c, protocol.EventChatSessionStarted, protocol.SessionStartedPayload{SessionID: id})
}

func (s *Server) handleChatMessage(c *conn, env protocol.Envelope) {
	var p protocol.ChatMessagePayload
	if err := env.Decode(&p); err != nil {
		return
	}

	identity := c.authedAs()
	s.mu.Lock()
	owner, ok := s.chats[p.SessionID]
	ok = ok && owner == identity
	closed := s.closed
	if ok && !closed {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closed {
		return
	}
	if !ok {
		_ = s.send(c, protocol.EventChatFailed, protocol.FailedPayload{SessionID: p.SessionID, Reason: "unknown session"})
		return
	}

	go func() {
		defer s.wg.Done()
		s.streamChat(c, p)
	}()
}

// streamChat sends the reply one word per chat:partial, then the terminal
// frame. A message containing "[fail]" fails after the first chunk.
func (s *Server) streamChat(c *conn, p protocol.ChatMessagePayload) {
	words := strings.Fields(s.cfg.Reply(p.History, p.NewMessage))
	fail := strings.Contains(p.NewMessage, "[fail]")

	for i, w := range words {
		if !s.sleep(s.cfg.ChunkDelay) {
			return
		}
		delta := w
		if i < len(words)-1 {
			delta += " "
		}
		if err := s.send(c, protocol.EventChatPartial, protocol.ChatPartialPayload{SessionID: p.SessionID, Delta: delta}); err != nil {
			return
		}
		if fail {
			s.sendTerminal(c, protocol.EventChatFailed, protocol.FailedPayload{SessionID: p.SessionID, Reason: "model error"})
			return
		}
	}
	s.sendTerminal(c, protocol.EventChatCompleted, protocol.ChatCompletedPayload{SessionID: p.SessionID, FullText: strings.Join(words, " ")})
}

func (s *Server) sendTerminal(c *conn, event string, payload any) {
	if err := s.send(c, event, payload); err != nil {
		return
	}
	if s.cfg.ResendTerminal {
		_ = s.send(c, event, payload)
	}
}

func (s *Server) send(c *conn, event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := c.tr.Send(ctx, env); err != nil {
		s.log.Debug().Err(err).Str("event", event).Msg("send failed")
		return err
	}
	return nil
}

func (s *Server) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Broadcast sends env to every authenticated connection of namespace and
// returns how many received it.
func (s *Server) Broadcast(namespace string, env protocol.Envelope) int {
	sent := 0
	for _, c := range s.authedConns(namespace, "") {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		if c.tr.Send(ctx, env) == nil {
			sent++
		}
		cancel()
	}
	return sent
}

// Notify broadcasts a notification event.
func (s *Server) Notify(namespace, level, message string) (int, error) {
	env, err := protocol.NewEnvelope(protocol.EventNotification, protocol.NotificationPayload{Level: level, Message: message})
	if err != nil {
		return 0, err
	}
	return s.Broadcast(namespace, env), nil
}

// authedConns returns the authenticated connections of namespace, limited to
// identity when it is not empty.
func (s *Server) authedConns(namespace, identity string) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conn
	for c := range s.conns {
		if c.ns != namespace {
			continue
		}
		id := c.authedAs()
		if id == "" || (identity != "" && id != identity) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// DropConnections closes every connection of namespace, or all connections
// when namespace is empty, as a network failure would. It returns how many
// were closed.
func (s *Server) DropConnections(namespace string) int {
	s.mu.Lock()
	var victims []*conn
	for c := range s.conns {
		if namespace == "" || c.ns == namespace {
			victims = append(victims, c)
		}
	}
	s.mu.Unlock()

	for _, c := range victims {
		_ = c.tr.Close()
	}
	if len(victims) > 0 {
		s.log.Info().Str("namespace", namespace).Int("count", len(victims)).Msg("dropped connections")
	}
	return len(victims)
}

// ConnectionCount returns the number of open connections of namespace, or of
// all namespaces when namespace is empty.
func (s *Server) ConnectionCount(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if namespace == "" {
		return len(s.conns)
	}
	n := 0
	for c := range s.conns {
		if c.ns == namespace {
			n++
		}
	}
	return n
}

// Close drops every connection and waits for background streams to stop.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.DropConnections("")
	s.wg.Wait()
}
