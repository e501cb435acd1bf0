// Package history archives terminal streaming sessions in a local SQLite
// database so finished chat turns and summaries can be listed after the
// process that ran them has exited.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"lexrt/pkg/protocol"
	"lexrt/pkg/stream"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one archived session.
type Record struct {
	Seq        int64          `json:"seq"`
	Channel    string         `json:"channel"`
	Session    stream.Session `json:"session"`
	FinishedAt time.Time      `json:"finished_at"`
}

// QueryOpts specifies filter criteria for Query.
type QueryOpts struct {
	// SessionID filters to one session id
	SessionID string

	// Kind filters by session kind
	Kind stream.Kind

	// Status filters by terminal status
	Status stream.Status

	// After keeps records finished at or after this time
	After *time.Time

	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Archive is a SQLite-backed session archive.
type Archive struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// Open opens or creates the archive at path with WAL and a 5-second busy
// timeout, and applies the schema. The parent directory is created.
func Open(ctx context.Context, path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps ":memory:" archives on a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Archive{db: db, nowFunc: time.Now}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (a *Archive) Close() error {
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

// Save archives a terminal session. Non-terminal sessions are rejected.
func (a *Archive) Save(ctx context.Context, channel string, sess stream.Session) error {
	if !sess.Status.Terminal() {
		return fmt.Errorf("archive session %s: status %s is not terminal", sess.ID, sess.Status)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, kind, status, content, progress, error, channel, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Kind), string(sess.Status), sess.Content, sess.Progress, sess.Error, channel,
		sess.CreatedAt.UTC().Format(timeLayout), a.nowFunc().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", sess.ID, err)
	}
	return nil
}

// Query returns archived sessions matching opts, newest first.
// Returns an empty slice if nothing matches.
func (a *Archive) Query(ctx context.Context, opts QueryOpts) ([]Record, error) {
	query, args := buildQuery(opts)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r                 Record
			kind, status      string
			created, finished string
		)
		err := rows.Scan(
			&r.Seq,
			&r.Session.ID,
			&kind,
			&status,
			&r.Session.Content,
			&r.Session.Progress,
			&r.Session.Error,
			&r.Channel,
			&created,
			&finished,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.Session.Kind = stream.Kind(kind)
		r.Session.Status = stream.Status(status)
		if r.Session.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		r.Session.UpdatedAt = r.FinishedAt
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// ErrNotFound is returned by Latest when a session id was never archived.
var ErrNotFound = errors.New("session not archived")

// Latest returns the most recent record of a session id.
func (a *Archive) Latest(ctx context.Context, sessionID string) (Record, error) {
	recs, err := a.Query(ctx, QueryOpts{SessionID: sessionID, Limit: 1})
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return recs[0], nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT seq, session_id, kind, status, content, progress, error, channel, created_at, finished_at FROM sessions WHERE 1=1"

	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.After != nil {
		conditions = append(conditions, "finished_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
