package history

import (
	"context"
	"database/sql"

	"github.com/loykin/analyticsd/internal/store"
)

// SQLSink writes history events into the job_history table of the
// persistent store (SQLite or Postgres). The store must be connected and its
// schema ensured before Send is called.
//
// Note: This sink is independent from the tracker state; it only appends to history.
type SQLSink struct {
	st *store.Store
}

func NewSQLSink(st *store.Store) *SQLSink { return &SQLSink{st: st} }

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	rec := store.JobRecord{
		JobID:       e.JobID,
		Kind:        e.Kind,
		State:       e.State,
		SubmittedAt: e.SubmittedAt,
		StartedAt:   e.StartedAt,
		FinishedAt:  e.FinishedAt,
	}
	if e.Error != "" {
		rec.Error = sql.NullString{String: e.Error, Valid: true}
	}
	return s.st.InsertJob(ctx, rec)
}
