// Package journal keeps a local log of relay outcomes.
//
// Every inbound event the relay handles produces one entry: what kind of
// event it was, who sent it, whether the remote store accepted the record and
// whether a reply went out. Message bodies are never written here; the remote
// store is the system of record. The journal exists so an operator can see
// what the bridge has been doing without access to the store.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_log (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	sender     TEXT NOT NULL,
	stored     INTEGER NOT NULL DEFAULT 0,
	replied    INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_log_created ON relay_log(created_at);
`

const timeLayout = "2006-01-02 15:04:05.000"

// Journal is a SQLite-backed relay log.
type Journal struct {
	db   *sql.DB
	path string
}

// Entry is one relay outcome.
type Entry struct {
	ID        string
	SessionID string
	Kind      string
	Sender    string
	Stored    bool
	Replied   bool
	Error     string
	CreatedAt time.Time
}

// Open opens (creating if needed) the journal database at path.
// The caller must import a driver registered as "sqlite" (modernc.org/sqlite).
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{db: db, path: path}
	slog.Info("journal opened", "path", path, "entries", j.Count())
	return j, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Count returns the number of entries.
func (j *Journal) Count() int {
	var n int
	j.db.QueryRow("SELECT COUNT(*) FROM relay_log").Scan(&n)
	return n
}

// Append stores an entry. ID and CreatedAt are filled in when empty.
func (j *Journal) Append(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO relay_log (id, session_id, kind, sender, stored, replied, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Kind, e.Sender, boolInt(e.Stored), boolInt(e.Replied), e.Error,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("append journal entry: %w", err)
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, kind, sender, stored, replied, error, created_at
		 FROM relay_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var stored, replied int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Sender, &stored, &replied, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Stored = stored != 0
		e.Replied = replied != 0
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries created before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := j.db.ExecContext(ctx,
		"DELETE FROM relay_log WHERE created_at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
