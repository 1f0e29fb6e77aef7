package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a Store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrNotOpen is returned when the database is used before Connect.
var ErrNotOpen = errors.New("store not open")

// Pool holds connection pool settings. Zero values use per-dialect defaults.
type Pool struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxAge   time.Duration
}

// Store is the persistent store driver. It implements dependency.Driver.
// Postgres is reached through the pgx stdlib driver, SQLite through the
// CGO-free modernc driver.
type Store struct {
	driver  string
	source  string
	dialect Dialect
	pool    Pool

	mu sync.RWMutex
	db *sql.DB
}

// Connect opens the database and verifies it with a ping.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open(s.driver, s.source)
	if err != nil {
		return fmt.Errorf("open %s database: %w", s.dialect, err)
	}
	s.applyPool(db)
	if s.dialect == DialectSQLite {
		// busy timeout helps with short concurrent locks
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=3000;")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s database: %w", s.dialect, err)
	}
	s.db = db
	return nil
}

func (s *Store) applyPool(db *sql.DB) {
	switch s.dialect {
	case DialectPostgres:
		db.SetMaxOpenConns(valOr(s.pool.MaxOpenConns, 25))
		db.SetMaxIdleConns(valOr(s.pool.MaxIdleConns, 5))
		if s.pool.ConnMaxAge > 0 {
			db.SetConnMaxLifetime(s.pool.ConnMaxAge)
		} else {
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	case DialectSQLite:
		// SQLite works best with a single connection; :memory: requires it.
		db.SetMaxOpenConns(valOr(s.pool.MaxOpenConns, 1))
		if s.pool.MaxIdleConns > 0 {
			db.SetMaxIdleConns(s.pool.MaxIdleConns)
		}
		if s.pool.ConnMaxAge > 0 {
			db.SetConnMaxLifetime(s.pool.ConnMaxAge)
		}
	}
}

// Disconnect closes the pool.
func (s *Store) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// DB returns the open pool.
func (s *Store) DB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotOpen
	}
	return s.db, nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

// Rebind rewrites '?' placeholders to the dialect's bind syntax.
func (s *Store) Rebind(q string) string { return Rebind(s.dialect, q) }

// Rebind rewrites '?' placeholders into $1..$n for Postgres.
func Rebind(d Dialect, q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
