package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/noctua-obs/noctua/internal/journal"
)

// DB implements journal.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

// New opens a PostgreSQL connection pool for dsn.
func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_journal(
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			task_id INTEGER NOT NULL,
			object TEXT NOT NULL,
			status TEXT NOT NULL,
			frames TEXT NOT NULL,
			reported BOOLEAN NOT NULL,
			detail TEXT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_journal_task ON task_journal(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_journal_reported ON task_journal(reported);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordStart(ctx context.Context, rec journal.Record) error {
	frames, err := framesJSON(rec.Frames)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO task_journal(run_id, task_id, object, status, frames, reported, detail, started_at, settled_at, updated_at)
		VALUES($1, $2, $3, '', $4, false, '', $5, NULL, $6)
		ON CONFLICT(run_id) DO UPDATE SET
			task_id=EXCLUDED.task_id,
			object=EXCLUDED.object,
			status='',
			frames=EXCLUDED.frames,
			reported=false,
			detail='',
			started_at=EXCLUDED.started_at,
			settled_at=NULL,
			updated_at=EXCLUDED.updated_at;`,
		rec.RunID, rec.TaskID, rec.Object, frames, rec.StartedAt.UTC(), time.Now().UTC())
	return err
}

func (p *DB) RecordSettle(ctx context.Context, runID, status string, frames []string, detail string, settledAt time.Time) error {
	fj, err := framesJSON(frames)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE task_journal
		SET status=$1, frames=$2, detail=$3, settled_at=$4, updated_at=$5
		WHERE run_id=$6;`,
		status, fj, detail, settledAt.UTC(), time.Now().UTC(), runID)
	return err
}

func (p *DB) MarkReported(ctx context.Context, runID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE task_journal SET reported=true, updated_at=$1 WHERE run_id=$2;`,
		time.Now().UTC(), runID)
	return err
}

func (p *DB) Unreported(ctx context.Context, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, object, status, frames, reported, detail, started_at, settled_at, updated_at
		FROM task_journal
		WHERE reported=false AND settled_at IS NOT NULL
		ORDER BY settled_at ASC
		LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *DB) Recent(ctx context.Context, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, object, status, frames, reported, detail, started_at, settled_at, updated_at
		FROM task_journal
		ORDER BY started_at DESC
		LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM task_journal
		WHERE reported=true AND settled_at IS NOT NULL AND updated_at < $1;`, olderThan.UTC())
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
