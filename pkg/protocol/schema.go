package protocol

// SchemaDDL defines the SQLite schema of the local session archive.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Terminal streaming sessions. A chat session id is reused across turns,
-- so one id may have several rows.
CREATE TABLE IF NOT EXISTS sessions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    progress INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    channel TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS sessions_session_id ON sessions(session_id);
CREATE INDEX IF NOT EXISTS sessions_kind_status ON sessions(kind, status);
`
