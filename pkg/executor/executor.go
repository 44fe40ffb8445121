// Package executor runs validated SELECT statements against the target database.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"
)

// Executor runs a statement and returns every row, or an error and no rows.
type Executor interface {
	Execute(ctx context.Context, query string) ([]Record, error)
}

// DB executes statements through bun inside a transaction that is always rolled back.
type DB struct {
	db               *bun.DB
	statementTimeout time.Duration
	postgres         bool
	logger           *zap.Logger
}

// Option configures a DB executor.
type Option func(*DB)

// WithStatementTimeout bounds each statement server-side.
func WithStatementTimeout(d time.Duration) Option {
	return func(e *DB) {
		e.statementTimeout = d
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *DB) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewPostgres connects to PostgreSQL at dsn.
func NewPostgres(dsn string, opts ...Option) *DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	e := &DB{db: db, postgres: true, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bun exposes the underlying handle for schema introspection.
func (e *DB) Bun() *bun.DB {
	return e.db
}

// Ping checks connectivity.
func (e *DB) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Close releases the connection pool.
func (e *DB) Close() error {
	return e.db.Close()
}

// Execute runs query in a read-only transaction and rolls it back afterwards.
func (e *DB) Execute(ctx context.Context, query string) ([]Record, error) {
	start := time.Now()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			e.logger.Debug("rollback failed", zap.Error(rbErr))
		}
	}()

	if e.postgres {
		if _, err := tx.ExecContext(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			return nil, fmt.Errorf("set read only: %w", err)
		}
		if e.statementTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", e.statementTimeout.Milliseconds())
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("set statement timeout: %w", err)
			}
		}
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("query executed",
		zap.Int("rows", len(records)),
		zap.Duration("duration", time.Since(start)))
	return records, nil
}
