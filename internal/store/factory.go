package store

import (
	"errors"
	"strings"
)

// NewFromDSN selects a store implementation based on DSN. Nothing is opened
// until Connect.
// Supported:
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:   "sqlite://<path>" or a bare filepath (":memory:" included)
func NewFromDSN(dsn string, pool Pool) (*Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return &Store{driver: "pgx", source: d, dialect: DialectPostgres, pool: pool}, nil
	}
	path := d
	if strings.HasPrefix(ld, "sqlite://") {
		path = d[len("sqlite://"):]
	}
	if strings.Contains(path, "://") {
		return nil, errors.New("unsupported DSN scheme: " + dsn)
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty sqlite path")
	}
	return &Store{driver: "sqlite", source: path, dialect: DialectSQLite, pool: pool}, nil
}
