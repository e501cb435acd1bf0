package client_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexrt/pkg/client"
	"lexrt/pkg/eventserver"
	"lexrt/pkg/history"
	"lexrt/pkg/protocol"
	"lexrt/pkg/realtime"
	"lexrt/pkg/stream"
)

const waitFor = 5 * time.Second

func startServer(t *testing.T, cfg eventserver.Config) (*eventserver.Server, string) {
	t.Helper()
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = time.Millisecond
	}
	if cfg.ProgressDelay == 0 {
		cfg.ProgressDelay = 20 * time.Millisecond
	}
	s := eventserver.New(cfg, zerolog.Nop())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, hs.URL
}

func newClient(t *testing.T, url, identity string, opts ...client.Option) *client.Client {
	t.Helper()
	c := client.New(client.Config{
		ServerURL: url,
		Identity:  identity,
		Realtime: realtime.Config{
			MaxRetries:       2,
			BaseBackoff:      10 * time.Millisecond,
			MaxBackoff:       50 * time.Millisecond,
			DialTimeout:      2 * time.Second,
			ReconnectTimeout: 2 * time.Second,
		},
		CorrelationTimeout:      2 * time.Second,
		FailStreamsOnDisconnect: true,
	}, zerolog.Nop(), opts...)
	t.Cleanup(c.Close)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestChatStreamsReply(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	var (
		mu     sync.Mutex
		states []stream.Status
	)
	stop := c.Subscribe(func(s stream.Session) {
		mu.Lock()
		states = append(states, s.Status)
		mu.Unlock()
	})
	defer stop()

	id, err := c.StartChat(ctx, "widget-1", "u-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, ok := c.Session(id)
	require.True(t, ok)
	assert.Equal(t, stream.StatusPending, sess.Status)

	require.NoError(t, c.SendMessage(ctx, id, nil, "hello there"))
	sess, err = c.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, stream.StatusCompleted, sess.Status)
	assert.Equal(t, "You said: hello there (turn 1)", sess.Content)
	assert.Equal(t, stream.KindChat, sess.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, stream.StatusStreaming)
	assert.Equal(t, stream.StatusCompleted, states[len(states)-1])
}

func TestConversationKeepsHistory(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	conv := c.Conversation("widget", "u-1")
	first, err := conv.Ask(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, "You said: one (turn 1)", first.Content)

	second, err := conv.Ask(ctx, "two")
	require.NoError(t, err)
	assert.Equal(t, "You said: two (turn 2)", second.Content)
	assert.Equal(t, first.ID, second.ID, "turns share the chat session")

	assert.Equal(t, []protocol.ChatTurn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "You said: one (turn 1)"},
		{Role: "user", Content: "two"},
		{Role: "assistant", Content: "You said: two (turn 2)"},
	}, conv.History())
	assert.Equal(t, first.ID, conv.SessionID())
}

func TestChatFailureReported(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	sess, err := c.Conversation("w", "u").Ask(ctx, "please [fail]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model error")
	assert.Equal(t, stream.StatusFailed, sess.Status)
	assert.NotEmpty(t, sess.Content, "deltas before the failure are kept")
}

func TestSendWhileStreamingRejected(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{ChunkDelay: 50 * time.Millisecond})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	id, err := c.StartChat(ctx, "w", "u")
	require.NoError(t, err)
	require.NoError(t, c.SendMessage(ctx, id, nil, "a long enough message"))

	require.Eventually(t, func() bool {
		s, _ := c.Session(id)
		return s.Status == stream.StatusStreaming
	}, waitFor, 5*time.Millisecond)

	err = c.SendMessage(ctx, id, nil, "interrupt")
	assert.ErrorIs(t, err, stream.ErrSessionActive)
}

func TestSecondMessageBeforeFirstDeltaRejected(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{ChunkDelay: 50 * time.Millisecond})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	id, err := c.StartChat(ctx, "w", "u")
	require.NoError(t, err)
	require.NoError(t, c.SendMessage(ctx, id, nil, "first"))

	err = c.SendMessage(ctx, id, nil, "second")
	require.ErrorIs(t, err, stream.ErrSessionActive)

	sess, err := c.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stream.StatusCompleted, sess.Status)
	assert.Equal(t, "You said: first (turn 1)", sess.Content)

	history := []protocol.ChatTurn{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: sess.Content},
	}
	require.NoError(t, c.SendMessage(ctx, id, history, "third"))
	sess, err = c.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "You said: third (turn 2)", sess.Content)
}

func TestSummarizeReportsProgress(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{ProgressSteps: []int{25, 60}})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	var (
		mu       sync.Mutex
		progress []int
	)
	stop := c.Subscribe(func(s stream.Session) {
		if s.Kind != stream.KindSummarization {
			return
		}
		mu.Lock()
		progress = append(progress, s.Progress)
		mu.Unlock()
	})
	defer stop()

	id, err := c.Summarize(ctx, "brief.txt", strings.NewReader("the court held that the contract was void"),
		protocol.UploadMetadata{Title: "Brief"})
	require.NoError(t, err)

	sess, err := c.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stream.StatusCompleted, sess.Status)
	assert.Equal(t, 100, sess.Progress)
	assert.Equal(t, "Brief: the court held that the contract was void", sess.Content)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress never goes backwards")
	}
}

func TestSummarizeFailure(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	id, err := c.Summarize(ctx, "fail.pdf", strings.NewReader("x"), protocol.UploadMetadata{})
	require.NoError(t, err)

	sess, err := c.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stream.StatusFailed, sess.Status)
	assert.Equal(t, "document could not be parsed", sess.Error)
}

func TestDisconnectFailsRunningChat(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, eventserver.Config{ChunkDelay: 40 * time.Millisecond})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	id, err := c.StartChat(ctx, "w", "u")
	require.NoError(t, err)
	require.NoError(t, c.SendMessage(ctx, id, nil, "tell me a rather long story please"))

	require.Eventually(t, func() bool {
		s, _ := c.Session(id)
		return s.Status == stream.StatusStreaming
	}, waitFor, 5*time.Millisecond)

	require.Positive(t, srv.DropConnections(protocol.NamespaceChat))

	sess, err := c.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stream.StatusFailed, sess.Status)
	assert.Equal(t, realtime.ReasonConnectionLost, sess.Error)

	// The channel recovers on its own and the session takes a new turn.
	ch, err := c.Channel(protocol.NamespaceChat)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ch.Snapshot().Auth == realtime.AuthAuthenticated
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, c.Bridge().ListenerSets(protocol.NamespaceChat))
}

func TestDuplicateTerminalIgnored(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{ResendTerminal: true})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	var (
		mu        sync.Mutex
		terminals int
	)
	stop := c.Bridge().Store().OnTerminal(func(stream.Session) {
		mu.Lock()
		terminals++
		mu.Unlock()
	})
	defer stop()

	sess, err := c.Conversation("w", "u").Ask(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "You said: hi (turn 1)", sess.Content)

	// Let the resent frame arrive.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, terminals)
}

func TestRejectedIdentity(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{RejectIdentities: []string{"mallory"}})
	c := newClient(t, url, "mallory")
	ctx := testContext(t)

	_, err := c.StartChat(ctx, "w", "u")
	require.Error(t, err)
	var rejected *protocol.AuthRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "mallory", rejected.Identity)
	assert.Equal(t, protocol.NamespaceChat, rejected.Channel)

	// Switching identity re-authenticates the same channel.
	c.SetIdentity("alice")
	id, err := c.StartChat(ctx, "w", "u")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestNoIdentity(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{})
	c := newClient(t, url, "")
	ctx := testContext(t)

	_, err := c.StartChat(ctx, "w", "u")
	assert.ErrorIs(t, err, protocol.ErrNotAuthenticated)

	_, err = c.Summarize(ctx, "a.txt", strings.NewReader("x"), protocol.UploadMetadata{})
	assert.ErrorIs(t, err, protocol.ErrNotAuthenticated)
}

func TestCorrelationTimeout(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{IgnoreStartChat: true})
	c := client.New(client.Config{
		ServerURL:          url,
		Identity:           "alice",
		CorrelationTimeout: 100 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(c.Close)
	ctx := testContext(t)

	_, err := c.StartChat(ctx, "w", "u")
	var timeout *protocol.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 100*time.Millisecond, timeout.After)

	// The slot is free again after the timeout.
	_, err = c.StartChat(ctx, "w", "u")
	assert.ErrorAs(t, err, &timeout)
}

func TestUnknownSession(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	assert.ErrorIs(t, c.SendMessage(ctx, "nope", nil, "hi"), client.ErrUnknownSession)
	_, err := c.Wait(ctx, "nope")
	assert.ErrorIs(t, err, client.ErrUnknownSession)
}

func TestNotificationsBuffered(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, eventserver.Config{})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	ch, err := c.Channel(protocol.NamespaceChat)
	require.NoError(t, err)
	require.NoError(t, ch.WaitAuthenticated(ctx))

	n, err := srv.Notify(protocol.NamespaceChat, "warn", "maintenance at noon")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		notes := c.Notifications()
		return len(notes) == 1 && notes[0].Message == "maintenance at noon"
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "warn", c.Notifications()[0].Level)
}

func TestArchiveOnTerminal(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	archive, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	_, url := startServer(t, eventserver.Config{})
	c := newClient(t, url, "alice", client.WithArchive(archive))

	sess, err := c.Conversation("w", "u").Ask(ctx, "archive me")
	require.NoError(t, err)

	// Close flushes the archive queue.
	c.Close()

	rec, err := archive.Latest(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.NamespaceChat, rec.Channel)
	assert.Equal(t, stream.StatusCompleted, rec.Session.Status)
	assert.Equal(t, "You said: archive me (turn 1)", rec.Session.Content)
}

func TestCloseFailsRunningSessions(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, eventserver.Config{ChunkDelay: 100 * time.Millisecond})
	c := newClient(t, url, "alice")
	ctx := testContext(t)

	id, err := c.StartChat(ctx, "w", "u")
	require.NoError(t, err)
	require.NoError(t, c.SendMessage(ctx, id, nil, "one two three four"))

	c.Close()
	c.Close()

	sess, ok := c.Session(id)
	require.True(t, ok)
	assert.Equal(t, stream.StatusFailed, sess.Status)

	_, err = c.Channel(protocol.NamespaceChat)
	assert.ErrorIs(t, err, protocol.ErrChannelDisposed)
}
