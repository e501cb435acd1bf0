package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexrt/pkg/history"
	"lexrt/pkg/stream"
)

func openArchive(t *testing.T) *history.Archive {
	t.Helper()
	a, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func session(id string, kind stream.Kind, status stream.Status, content string) stream.Session {
	return stream.Session{
		ID:        id,
		Kind:      kind,
		Status:    status,
		Content:   content,
		CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC),
	}
}

func TestSaveAndQuery(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	ctx := context.Background()

	chat := session("c1", stream.KindChat, stream.StatusCompleted, "Hello there")
	sum := session("s1", stream.KindSummarization, stream.StatusFailed, "")
	sum.Error = "document could not be parsed"
	sum.Progress = 20

	require.NoError(t, a.Save(ctx, "chat", chat))
	require.NoError(t, a.Save(ctx, "summary", sum))

	recs, err := a.Query(ctx, history.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Newest first.
	assert.Equal(t, "s1", recs[0].Session.ID)
	assert.Equal(t, "summary", recs[0].Channel)
	assert.Equal(t, stream.StatusFailed, recs[0].Session.Status)
	assert.Equal(t, "document could not be parsed", recs[0].Session.Error)
	assert.Equal(t, 20, recs[0].Session.Progress)

	assert.Equal(t, "c1", recs[1].Session.ID)
	assert.Equal(t, "Hello there", recs[1].Session.Content)
	assert.True(t, chat.CreatedAt.Equal(recs[1].Session.CreatedAt))
	assert.Greater(t, recs[0].Seq, recs[1].Seq)
}

func TestSaveRejectsRunningSession(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	err := a.Save(context.Background(), "chat", session("c1", stream.KindChat, stream.StatusStreaming, "Hel"))
	assert.Error(t, err)

	recs, err := a.Query(context.Background(), history.QueryOpts{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	ctx := context.Background()
	require.NoError(t, a.Save(ctx, "chat", session("c1", stream.KindChat, stream.StatusCompleted, "one")))
	require.NoError(t, a.Save(ctx, "chat", session("c1", stream.KindChat, stream.StatusFailed, "two")))
	require.NoError(t, a.Save(ctx, "chat", session("c2", stream.KindChat, stream.StatusCompleted, "three")))
	require.NoError(t, a.Save(ctx, "summary", session("s1", stream.KindSummarization, stream.StatusCompleted, "four")))

	tests := []struct {
		name string
		opts history.QueryOpts
		want []string
	}{
		{name: "by session", opts: history.QueryOpts{SessionID: "c1"}, want: []string{"two", "one"}},
		{name: "by kind", opts: history.QueryOpts{Kind: stream.KindSummarization}, want: []string{"four"}},
		{name: "by status", opts: history.QueryOpts{Status: stream.StatusFailed}, want: []string{"two"}},
		{name: "kind and status", opts: history.QueryOpts{Kind: stream.KindChat, Status: stream.StatusCompleted}, want: []string{"three", "one"}},
		{name: "limit", opts: history.QueryOpts{Limit: 2}, want: []string{"four", "three"}},
		{name: "no match", opts: history.QueryOpts{SessionID: "missing"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := a.Query(ctx, tt.opts)
			require.NoError(t, err)
			var got []string
			for _, r := range recs {
				got = append(got, r.Session.Content)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryAfter(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	ctx := context.Background()
	require.NoError(t, a.Save(ctx, "chat", session("old", stream.KindChat, stream.StatusCompleted, "")))

	cutoff := time.Now().Add(time.Hour)
	recs, err := a.Query(ctx, history.QueryOpts{After: &cutoff})
	require.NoError(t, err)
	assert.Empty(t, recs)

	past := time.Now().Add(-time.Hour)
	recs, err = a.Query(ctx, history.QueryOpts{After: &past})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestLatest(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	ctx := context.Background()
	require.NoError(t, a.Save(ctx, "chat", session("c1", stream.KindChat, stream.StatusCompleted, "first turn")))
	require.NoError(t, a.Save(ctx, "chat", session("c1", stream.KindChat, stream.StatusCompleted, "second turn")))

	rec, err := a.Latest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "second turn", rec.Session.Content)
	assert.False(t, rec.FinishedAt.IsZero())

	_, err = a.Latest(ctx, "nope")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "h.db")
	ctx := context.Background()

	a, err := history.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, "chat", session("c1", stream.KindChat, stream.StatusCompleted, "kept")))
	require.NoError(t, a.Close())

	b, err := history.Open(ctx, path)
	require.NoError(t, err)
	defer b.Close()
	rec, err := b.Latest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "kept", rec.Session.Content)
}
