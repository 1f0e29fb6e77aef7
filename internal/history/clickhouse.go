package history

import (
	"context"
	"fmt"

	"github.com/loykin/analyticsd/internal/warehouse"
)

// ClickHouseSink sends events to the warehouse job_history table using the
// official ClickHouse Go client.
type ClickHouseSink struct {
	wh *warehouse.Warehouse
}

func NewClickHouseSink(wh *warehouse.Warehouse) *ClickHouseSink {
	return &ClickHouseSink{wh: wh}
}

func (s *ClickHouseSink) Send(ctx context.Context, e Event) error {
	conn, err := s.wh.Conn()
	if err != nil {
		return err
	}
	err = conn.Exec(ctx, `INSERT INTO job_history (occurred_at, job_id, kind, state, error, submitted_at, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OccurredAt.UTC(),
		e.JobID,
		e.Kind,
		e.State,
		e.Error,
		e.SubmittedAt.UTC(),
		e.StartedAt.UTC(),
		e.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
