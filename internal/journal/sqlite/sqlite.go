package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/noctua-obs/noctua/internal/journal"
)

// DB implements journal.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// single writer avoids SQLITE_BUSY under concurrent settles
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_journal(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			task_id INTEGER NOT NULL,
			object TEXT NOT NULL,
			status TEXT NOT NULL,
			frames TEXT NOT NULL,
			reported BOOLEAN NOT NULL,
			detail TEXT NULL,
			started_at TIMESTAMP NOT NULL,
			settled_at TIMESTAMP NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_journal_task ON task_journal(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_journal_reported ON task_journal(reported);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, rec journal.Record) error {
	frames, err := framesJSON(rec.Frames)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_journal(run_id, task_id, object, status, frames, reported, detail, started_at, settled_at, updated_at)
		VALUES(?, ?, ?, '', ?, 0, '', ?, NULL, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			task_id=excluded.task_id,
			object=excluded.object,
			status='',
			frames=excluded.frames,
			reported=0,
			detail='',
			started_at=excluded.started_at,
			settled_at=NULL,
			updated_at=excluded.updated_at;`,
		rec.RunID, rec.TaskID, rec.Object, frames, rec.StartedAt.UTC(), time.Now().UTC())
	return err
}

func (s *DB) RecordSettle(ctx context.Context, runID, status string, frames []string, detail string, settledAt time.Time) error {
	fj, err := framesJSON(frames)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE task_journal
		SET status=?, frames=?, detail=?, settled_at=?, updated_at=?
		WHERE run_id=?;`,
		status, fj, detail, settledAt.UTC(), time.Now().UTC(), runID)
	return err
}

func (s *DB) MarkReported(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_journal SET reported=1, updated_at=? WHERE run_id=?;`,
		time.Now().UTC(), runID)
	return err
}

func (s *DB) Unreported(ctx context.Context, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, object, status, frames, reported, detail, started_at, settled_at, updated_at
		FROM task_journal
		WHERE reported=0 AND settled_at IS NOT NULL
		ORDER BY settled_at ASC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) Recent(ctx context.Context, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, object, status, frames, reported, detail, started_at, settled_at, updated_at
		FROM task_journal
		ORDER BY started_at DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_journal
		WHERE reported=1 AND settled_at IS NOT NULL AND updated_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func framesJSON(frames []string) (string, error) {
	if frames == nil {
		frames = []string{}
	}
	b, err := json.Marshal(frames)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanRecords(rows *sql.Rows) ([]journal.Record, error) {
	out := make([]journal.Record, 0)
	for rows.Next() {
		var (
			r      journal.Record
			frames string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.TaskID, &r.Object, &r.Status, &frames,
			&r.Reported, &r.Detail, &r.StartedAt, &r.SettledAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(frames), &r.Frames); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
