// Package warehouse provides the optional ClickHouse analytics warehouse
// dependency.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var ErrNotOpen = errors.New("clickhouse connection not initialized")

// Sample is one system metrics observation.
type Sample struct {
	CollectedAt time.Time
	Name        string
	Value       float64
}

// Warehouse implements dependency.Driver using the official ClickHouse
// client over the native protocol.
type Warehouse struct {
	opts *clickhouse.Options

	mu   sync.RWMutex
	conn driver.Conn
}

// New parses a clickhouse:// DSN, e.g.
// clickhouse://default:@localhost:9000/default?dial_timeout=5s
func New(dsn string) (*Warehouse, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty clickhouse dsn")
	}
	opts, err := clickhouse.ParseDSN(d)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	return &Warehouse{opts: opts}, nil
}

func (w *Warehouse) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}
	conn, err := clickhouse.Open(w.opts)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	w.conn = conn
	return nil
}

func (w *Warehouse) Disconnect(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *Warehouse) Ping(ctx context.Context) error {
	conn, err := w.Conn()
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

// Conn returns the live connection.
func (w *Warehouse) Conn() (driver.Conn, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return nil, ErrNotOpen
	}
	return w.conn, nil
}

// EnsureSchema creates the warehouse tables if missing.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	conn, err := w.Conn()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS system_metrics (
			collected_at DateTime64(3),
			name String,
			value Float64
		) ENGINE = MergeTree() ORDER BY (name, collected_at)`,
		`CREATE TABLE IF NOT EXISTS job_history (
			occurred_at DateTime64(3),
			job_id String,
			kind String,
			state String,
			error String,
			submitted_at DateTime64(3),
			started_at DateTime64(3),
			finished_at DateTime64(3)
		) ENGINE = MergeTree() ORDER BY (kind, occurred_at)`,
	}
	for _, q := range stmts {
		if err := conn.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// WriteSamples appends samples in one batch.
func (w *Warehouse) WriteSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	conn, err := w.Conn()
	if err != nil {
		return err
	}
	batch, err := conn.PrepareBatch(ctx, "INSERT INTO system_metrics (collected_at, name, value)")
	if err != nil {
		return err
	}
	for _, s := range samples {
		if err := batch.Append(s.CollectedAt.UTC(), s.Name, s.Value); err != nil {
			_ = batch.Abort()
			return err
		}
	}
	return batch.Send()
}
