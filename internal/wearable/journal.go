package wearable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is the durable session checkpoint: enough to continue the
// sequence and elapsed accounting after a process restart. One row; a
// new run replaces it.
type Entry struct {
	RunID         string
	ParticipantID string
	Sequence      uint64
	PausedMS      int64
	StartedAtMS   int64
}

// Journal persists the session checkpoint. Without it a restarted
// machine would reissue sequence numbers the partner has already gated
// past, and every snapshot after the restart would be discarded.
type Journal struct {
	db *sql.DB
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS run_journal (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	run_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	paused_ms INTEGER NOT NULL,
	started_at_ms INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);`

// OpenJournal opens, creating if needed, the journal database at path.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Save upserts the checkpoint row.
func (j *Journal) Save(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO run_journal(id, run_id, participant_id, sequence, paused_ms, started_at_ms, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	run_id=excluded.run_id,
	participant_id=excluded.participant_id,
	sequence=excluded.sequence,
	paused_ms=excluded.paused_ms,
	started_at_ms=excluded.started_at_ms,
	updated_at=excluded.updated_at
`, e.RunID, e.ParticipantID, e.Sequence, e.PausedMS, e.StartedAtMS, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save journal: %w", err)
	}
	return nil
}

// Load returns the checkpoint when one exists.
func (j *Journal) Load(ctx context.Context) (Entry, bool, error) {
	var e Entry
	row := j.db.QueryRowContext(ctx, `SELECT run_id, participant_id, sequence, paused_ms, started_at_ms FROM run_journal WHERE id = 1`)
	if err := row.Scan(&e.RunID, &e.ParticipantID, &e.Sequence, &e.PausedMS, &e.StartedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("load journal: %w", err)
	}
	return e, true, nil
}

// Clear removes the checkpoint at run end.
func (j *Journal) Clear(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM run_journal`); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}
