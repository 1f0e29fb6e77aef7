package store

import (
	"context"
	"database/sql"
	"time"
)

// JobRecord is one finished async job as persisted in job_history.
// Only terminal jobs are written; the table is an audit trail and is never
// used to restore tracker state.
type JobRecord struct {
	JobID       string
	Kind        string
	State       string
	Error       sql.NullString
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// StateCount is an aggregate row of job_history.
type StateCount struct {
	Kind  string
	State string
	Count int64
}

// EnsureSchema creates the job_history table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	db, err := s.DB()
	if err != nil {
		return err
	}
	var stmts []string
	if s.dialect == DialectSQLite {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS job_history(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL,
				state TEXT NOT NULL,
				error TEXT NULL,
				submitted_at TIMESTAMP NOT NULL,
				started_at TIMESTAMP NOT NULL,
				finished_at TIMESTAMP NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_job_history_finished ON job_history(finished_at);`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS job_history(
				id BIGSERIAL PRIMARY KEY,
				job_id TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL,
				state TEXT NOT NULL,
				error TEXT NULL,
				submitted_at TIMESTAMPTZ NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				finished_at TIMESTAMPTZ NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_job_history_finished ON job_history(finished_at);`,
		}
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// InsertJob appends a finished job. Re-inserting the same job id is ignored.
func (s *Store) InsertJob(ctx context.Context, rec JobRecord) error {
	db, err := s.DB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, s.Rebind(`
		INSERT INTO job_history(job_id, kind, state, error, submitted_at, started_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING;`),
		rec.JobID, rec.Kind, rec.State, rec.Error,
		rec.SubmittedAt.UTC(), rec.StartedAt.UTC(), rec.FinishedAt.UTC())
	return err
}

// CountByState aggregates jobs finished in [from, to).
func (s *Store) CountByState(ctx context.Context, from, to time.Time) ([]StateCount, error) {
	db, err := s.DB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, s.Rebind(`
		SELECT kind, state, COUNT(*)
		FROM job_history
		WHERE finished_at >= ? AND finished_at < ?
		GROUP BY kind, state
		ORDER BY kind, state;`), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]StateCount, 0)
	for rows.Next() {
		var c StateCount
		if err := rows.Scan(&c.Kind, &c.State, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes history rows finished before olderThan.
func (s *Store) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.DB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, s.Rebind(`DELETE FROM job_history WHERE finished_at < ?;`), olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
