package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexrt/internal/version"
	"lexrt/pkg/eventserver"
	"lexrt/pkg/history"
	"lexrt/pkg/protocol"
	"lexrt/pkg/realtime"
	"lexrt/pkg/stream"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

// isolate points LEXRT_HOME at a temp dir and starts an event server.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("LEXRT_HOME", t.TempDir())
	t.Setenv("LEXRT_CONFIG", "")

	s := eventserver.New(eventserver.Config{ChunkDelay: time.Millisecond, ProgressDelay: 20 * time.Millisecond}, zerolog.Nop())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return hs.URL
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, version.Full()+"\n", out)
}

func TestChatOneShotIsArchived(t *testing.T) {
	url := isolate(t)

	out, err := runCLI(t, "", "--server", url, "--identity", "alice", "--log-level", "error", "chat", "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "You said: hello world (turn 1)")

	out, err = runCLI(t, "", "--log-level", "error", "history", "--json")
	require.NoError(t, err)

	var recs []history.Record
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, stream.KindChat, recs[0].Session.Kind)
	assert.Equal(t, "You said: hello world (turn 1)", recs[0].Session.Content)

	out, err = runCLI(t, "", "--log-level", "error", "history", recs[0].Session.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "chat completed")
	assert.Contains(t, out, "You said: hello world (turn 1)")
}

func TestChatLoopReadsStdin(t *testing.T) {
	url := isolate(t)

	out, err := runCLI(t, "one\n\ntwo\n/quit\nnever\n", "--server", url, "--identity", "alice", "--log-level", "error", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "You said: one (turn 1)")
	assert.Contains(t, out, "You said: two (turn 2)")
	assert.NotContains(t, out, "never")
}

func TestChatFailedTurnPrinted(t *testing.T) {
	url := isolate(t)

	out, err := runCLI(t, "", "--server", url, "--identity", "alice", "--log-level", "error", "chat", "[fail]")
	require.Error(t, err)
	assert.Contains(t, out, "[failed: model error]")
}

func TestChatWithoutIdentity(t *testing.T) {
	url := isolate(t)

	_, err := runCLI(t, "", "--server", url, "--log-level", "error", "chat", "hi")
	assert.ErrorIs(t, err, protocol.ErrNotAuthenticated)
}

func TestSummarizeCommand(t *testing.T) {
	url := isolate(t)

	doc := filepath.Join(t.TempDir(), "ruling.txt")
	require.NoError(t, os.WriteFile(doc, []byte("appeal dismissed with costs"), 0o600))

	out, err := runCLI(t, "", "--server", url, "--identity", "alice", "--log-level", "error",
		"summarize", "--title", "Ruling", "--tag", "court=high", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "progress")
	assert.Contains(t, out, "Ruling: appeal dismissed with costs")
}

func TestSummarizeBadTag(t *testing.T) {
	_, err := runCLI(t, "", "summarize", "--tag", "nokey", "x.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want key=value")
}

func TestStatusJSON(t *testing.T) {
	url := isolate(t)

	out, err := runCLI(t, "", "--server", url, "--identity", "alice", "--log-level", "error", "status", "--json")
	require.NoError(t, err)

	var snaps []realtime.ChannelSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		assert.Equal(t, realtime.AuthAuthenticated, s.Auth, s.Name)
		assert.Equal(t, "alice", s.Identity)
	}
}

func TestHistoryDisabled(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LEXRT_HOME", home)
	cfgPath := filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("history:\n  disabled: true\n"), 0o600))

	_, err := runCLI(t, "", "--config", cfgPath, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestInvalidServerFlag(t *testing.T) {
	t.Setenv("LEXRT_HOME", t.TempDir())
	t.Setenv("LEXRT_CONFIG", "")

	_, err := runCLI(t, "", "--server", "ftp://nowhere", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestMetadataTags(t *testing.T) {
	t.Parallel()

	meta, err := summarizeConfig{title: "T", language: "en", tags: []string{"a=1", "b=x=y"}}.metadata()
	require.NoError(t, err)
	assert.Equal(t, protocol.UploadMetadata{
		Title:    "T",
		Language: "en",
		Tags:     map[string]string{"a": "1", "b": "x=y"},
	}, meta)

	_, err = summarizeConfig{tags: []string{"=v"}}.metadata()
	assert.Error(t, err)
}

func TestDeltaPrinter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := newDeltaPrinter(&buf)

	p.update(stream.Session{ID: "s", Kind: stream.KindChat, Status: stream.StatusStreaming, Content: "Hel"})
	p.update(stream.Session{ID: "s", Kind: stream.KindChat, Status: stream.StatusStreaming, Content: "Hello"})
	p.update(stream.Session{ID: "s", Kind: stream.KindChat, Status: stream.StatusCompleted, Content: "Hello"})
	p.update(stream.Session{ID: "x", Kind: stream.KindSummarization, Status: stream.StatusStreaming, Content: "ignored"})
	p.finish(stream.Session{ID: "s", Status: stream.StatusCompleted})
	assert.Equal(t, "Hello\n", buf.String())

	buf.Reset()
	p.update(stream.Session{ID: "s", Kind: stream.KindChat, Status: stream.StatusPending})
	p.update(stream.Session{ID: "s", Kind: stream.KindChat, Status: stream.StatusStreaming, Content: "Bye"})
	p.update(stream.Session{ID: "s", Kind: stream.KindChat, Status: stream.StatusCompleted, Content: "Goodbye"})
	p.finish(stream.Session{ID: "s", Status: stream.StatusFailed, Error: "late"})
	assert.Equal(t, "Bye\nGoodbye\n[failed: late]\n", buf.String())
}

func TestPrintSnapshots(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSnapshots(&buf, "http://srv", []realtime.ChannelSnapshot{
		{Name: "chat", Transport: realtime.StateConnected, Auth: realtime.AuthAuthenticated, Identity: "alice"},
		{Name: "summary", Transport: realtime.StateDisconnected, Auth: realtime.AuthUnauthenticated, LastError: "dial refused"},
	})
	out := buf.String()
	assert.Contains(t, out, "server: http://srv")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "dial refused")
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
}

func TestServeUntilDone(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := eventserver.New(eventserver.Config{}, zerolog.Nop())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveUntilDone(ctx, ln, s.Handler()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
