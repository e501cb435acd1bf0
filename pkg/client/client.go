// Package client is the application-facing entry point. It owns one channel
// registry and wires it to the correlator, the dispatch bridge, the session
// store, the upload endpoint and, optionally, the session archive.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lexrt/pkg/protocol"
	"lexrt/pkg/realtime"
	"lexrt/pkg/stream"
	"lexrt/pkg/transport"
	"lexrt/pkg/upload"
)

// ErrUnknownSession is returned for session ids the store never saw.
var ErrUnknownSession = errors.New("unknown session")

// archiveTimeout bounds one archive write.
const archiveTimeout = 5 * time.Second

// archiveQueue is the number of terminal sessions waiting to be archived.
const archiveQueue = 64

// Config configures a Client.
type Config struct {
	ServerURL               string // base URL of the event server
	UploadURL               string // defaults to <ServerURL>/upload
	Identity                string // identity used for the handshake; may be set later
	Realtime                realtime.Config
	CorrelationTimeout      time.Duration
	FailStreamsOnDisconnect bool
	NotificationCapacity    int
}

// Uploader posts a document and returns the session id of the ack.
type Uploader interface {
	Upload(ctx context.Context, identity, filename string, r io.Reader, meta protocol.UploadMetadata) (string, error)
}

// Archiver stores terminal sessions.
type Archiver interface {
	Save(ctx context.Context, channel string, sess stream.Session) error
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithUploader replaces the HTTP upload client.
func WithUploader(u Uploader) Option {
	return func(c *Client) { c.uploader = u }
}

// WithArchive archives every session that reaches a terminal state.
func WithArchive(a Archiver) Option {
	return func(c *Client) { c.archive = a }
}

// Client coordinates chats and summarizations over realtime channels.
type Client struct {
	cfg      Config
	log      zerolog.Logger
	dialer   transport.Dialer
	uploader Uploader
	archive  Archiver

	registry *realtime.Registry
	bridge   *realtime.Bridge
	corr     *realtime.Correlator
	store    *stream.Store

	archiveCh   chan stream.Session
	archiveDone chan struct{}
	stopArchive func()

	// turnMu orders SendMessage calls; turns marks sessions with a turn sent.
	turnMu sync.Mutex
	turns  map[string]bool

	mu        sync.Mutex
	identity  string
	closed    bool
	closeOnce sync.Once
}

// New builds a Client. Channels are created lazily on first use.
func New(cfg Config, log zerolog.Logger, opts ...Option) *Client {
	if cfg.UploadURL == "" {
		cfg.UploadURL = cfg.ServerURL + protocol.UploadPath
	}
	c := &Client{
		cfg:   cfg,
		log:   log,
		turns: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &transport.WebSocketDialer{BaseURL: cfg.ServerURL}
	}
	if c.uploader == nil {
		c.uploader = upload.New(cfg.UploadURL, nil)
	}

	c.store = stream.NewStore(log)
	c.bridge = realtime.NewBridge(c.store, realtime.BridgeOptions{
		FailStreamsOnDisconnect: cfg.FailStreamsOnDisconnect,
		NotificationCapacity:    cfg.NotificationCapacity,
	}, log)
	c.corr = realtime.NewCorrelator(cfg.CorrelationTimeout, log)
	c.registry = realtime.NewRegistry(c.dialer, cfg.Realtime, log)
	c.identity = cfg.Identity
	c.registry.SetIdentity(cfg.Identity)

	if c.archive != nil {
		c.archiveCh = make(chan stream.Session, archiveQueue)
		c.archiveDone = make(chan struct{})
		c.stopArchive = c.store.OnTerminal(c.enqueueArchive)
		go c.archiveLoop()
	}
	return c
}

// Channel returns the named channel with the bridge bound to it.
func (c *Client) Channel(name string) (*realtime.Channel, error) {
	ch, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	c.bridge.Bind(ch)
	return ch, nil
}

// ready returns the named channel once it is authenticated.
func (c *Client) ready(ctx context.Context, name string) (*realtime.Channel, error) {
	if c.Identity() == "" {
		return nil, fmt.Errorf("channel %s: no identity: %w", name, protocol.ErrNotAuthenticated)
	}
	ch, err := c.Channel(name)
	if err != nil {
		return nil, err
	}
	if err := ch.WaitAuthenticated(ctx); err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}
	return ch, nil
}

// StartChat opens a chat session for userID and returns its id. slot names
// the conversation widget; a second StartChat on a slot that is still
// waiting fails with protocol.ErrCorrelationPending.
func (c *Client) StartChat(ctx context.Context, slot, userID string) (string, error) {
	ch, err := c.ready(ctx, protocol.NamespaceChat)
	if err != nil {
		return "", fmt.Errorf("start chat: %w", err)
	}
	cmd, err := protocol.NewEnvelope(protocol.EventStartChat, protocol.StartChatPayload{UserID: userID})
	if err != nil {
		return "", err
	}
	id, err := c.corr.Start(ctx, ch, slot, cmd, protocol.EventChatSessionStarted)
	if err != nil {
		return "", fmt.Errorf("start chat: %w", err)
	}
	if _, err := c.bridge.OpenChat(protocol.NamespaceChat, id); err != nil {
		return "", fmt.Errorf("start chat: %w", err)
	}
	c.log.Info().Str("session", id).Str("slot", slot).Msg("chat started")
	return id, nil
}

// SendMessage starts a chat turn on an open session. The session must be
// freshly started or terminal (previous turn finished); a terminal session is
// reopened for the new turn. While a turn is in flight, including before its
// first delta arrives, further calls fail with stream.ErrSessionActive.
func (c *Client) SendMessage(ctx context.Context, sessionID string, history []protocol.ChatTurn, message string) error {
	if err := c.beginTurn(sessionID); err != nil {
		return fmt.Errorf("send message to %s: %w", sessionID, err)
	}

	ch, err := c.ready(ctx, protocol.NamespaceChat)
	if err == nil {
		var cmd protocol.Envelope
		cmd, err = protocol.NewEnvelope(protocol.EventChatMessage, protocol.ChatMessagePayload{
			SessionID:  sessionID,
			History:    history,
			NewMessage: message,
		})
		if err == nil {
			err = ch.Send(ctx, cmd)
		}
	}
	if err != nil {
		c.bridge.Abort(protocol.NamespaceChat, sessionID, stream.KindChat, err.Error())
		return fmt.Errorf("send message to %s: %w", sessionID, err)
	}
	return nil
}

// beginTurn claims the next turn of a chat session.
func (c *Client) beginTurn(sessionID string) error {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	sess, ok := c.store.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	switch {
	case sess.Status.Terminal():
		if _, err := c.bridge.OpenChat(protocol.NamespaceChat, sessionID); err != nil {
			return err
		}
	case sess.Status == stream.StatusStreaming, c.turns[sessionID]:
		return stream.ErrSessionActive
	}
	c.turns[sessionID] = true
	return nil
}

// Summarize uploads a document and returns the session id that tracks its
// summarization. The summary channel is authenticated first so progress
// events have somewhere to land. Events that arrive before the upload ack
// are held by the bridge and applied once the session opens.
func (c *Client) Summarize(ctx context.Context, filename string, r io.Reader, meta protocol.UploadMetadata) (string, error) {
	if _, err := c.ready(ctx, protocol.NamespaceSummary); err != nil {
		return "", fmt.Errorf("summarize %s: %w", filename, err)
	}
	id, err := c.uploader.Upload(ctx, c.Identity(), filename, r, meta)
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", filename, err)
	}
	if _, err := c.bridge.OpenSummary(protocol.NamespaceSummary, id); err != nil {
		return "", fmt.Errorf("summarize %s: %w", filename, err)
	}
	c.log.Info().Str("session", id).Str("file", filename).Msg("summarization started")
	return id, nil
}

// Wait blocks until the session reaches completed or failed and returns it.
// A failed session is returned without error; check Status.
func (c *Client) Wait(ctx context.Context, sessionID string) (stream.Session, error) {
	done := make(chan stream.Session, 1)
	cancel := c.store.OnTerminal(func(s stream.Session) {
		if s.ID != sessionID {
			return
		}
		select {
		case done <- s:
		default:
		}
	})
	defer cancel()

	sess, ok := c.store.Get(sessionID)
	if !ok {
		return stream.Session{}, fmt.Errorf("wait for %s: %w", sessionID, ErrUnknownSession)
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	select {
	case s := <-done:
		return s, nil
	case <-ctx.Done():
		return stream.Session{}, fmt.Errorf("wait for %s: %w", sessionID, ctx.Err())
	}
}

// Session returns the current state of a session.
func (c *Client) Session(id string) (stream.Session, bool) { return c.store.Get(id) }

// Sessions returns every known session, oldest first.
func (c *Client) Sessions() []stream.Session { return c.store.List() }

// Subscribe calls fn after every session change. fn must not block.
func (c *Client) Subscribe(fn func(stream.Session)) (cancel func()) { return c.store.Subscribe(fn) }

// SetIdentity re-authenticates every channel under identity.
func (c *Client) SetIdentity(identity string) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	c.registry.SetIdentity(identity)
}

// Identity returns the identity in use.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Reconnect forces a fresh transport on the named channel.
func (c *Client) Reconnect(ctx context.Context, name string) error {
	ch, err := c.Channel(name)
	if err != nil {
		return err
	}
	return ch.Reconnect(ctx)
}

// Snapshots returns the state of every channel.
func (c *Client) Snapshots() []realtime.ChannelSnapshot { return c.registry.Snapshots() }

// Notifications returns the buffered server notifications, oldest first.
func (c *Client) Notifications() []realtime.Notification { return c.bridge.Notifications().Recent() }

// Bridge exposes the dispatch bridge for inspection.
func (c *Client) Bridge() *realtime.Bridge { return c.bridge }

// Close disposes every channel and flushes pending archive writes.
func (c *Client) Close() {
	c.closeOnce.Do(c.close)
}

func (c *Client) close() {
	// Disposing the channels fails running sessions; archive those too.
	c.registry.Close()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if c.stopArchive != nil {
		c.stopArchive()
		close(c.archiveCh)
		<-c.archiveDone
	}
}

func (c *Client) enqueueArchive(s stream.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.archiveCh <- s:
	default:
		c.log.Warn().Str("session", s.ID).Msg("archive queue full, dropping session")
	}
}

func (c *Client) archiveLoop() {
	defer close(c.archiveDone)
	for s := range c.archiveCh {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := c.archive.Save(ctx, channelFor(s.Kind), s); err != nil {
			c.log.Warn().Err(err).Str("session", s.ID).Msg("archive session failed")
		}
		cancel()
	}
}

func channelFor(k stream.Kind) string {
	if k == stream.KindSummarization {
		return protocol.NamespaceSummary
	}
	return protocol.NamespaceChat
}
