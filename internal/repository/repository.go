// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/pressly/goose/v3"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	migrateTimeout   = 30 * time.Second
)

// driver describes one supported database: how to reach it and which goose
// dialect migrates it.
type driver struct {
	name      string
	sqlDriver string
	dialect   goose.Dialect
	dsn       func(domain.RepositoryConfig) (string, error)

	// singleConn pins the pool to one connection, as an in-memory SQLite
	// database is private to its connection.
	singleConn func(domain.RepositoryConfig) bool

	// rebind rewrites ? placeholders to $n.
	rebind bool
}

var drivers = map[string]driver{
	sqliteDriver.name:   sqliteDriver,
	postgresDriver.name: postgresDriver,
}

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver driver
}

// New opens the configured database, sizes its pool and applies pending
// migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	d, ok := drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.name, err)
	}

	if d.singleConn != nil && d.singleConn(cfg) {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", d.name, err)
	}
	if err := Migrate(ctx, db, d.dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Default().With("component", "repository").Info("database ready", "driver", d.name)
	return &SQLRepository{db: db, driver: d}, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if !r.driver.rebind {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
