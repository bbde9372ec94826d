package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3 (cgo)
	DriverSQLite   = "sqlite"   // modernc.org/sqlite (pure Go)
	DriverPostgres = "postgres" // github.com/lib/pq
	DriverPGX      = "pgx"      // github.com/jackc/pgx/v5/stdlib
)

// Config selects the driver and connection string used by Open.
type Config struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	SlowQuery    time.Duration `yaml:"slow_query"`
}

// Validate checks the driver name and DSN.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required,
			validation.In(DriverSQLite3, DriverSQLite, DriverPostgres, DriverPGX)),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
	)
}

// Open connects to the configured database and returns a bun.DB using the
// dialect that matches the driver. Statements are logged through logger.
func Open(cfg Config, logger zerolog.Logger) (*bun.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sqldb, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	var db *bun.DB
	switch cfg.Driver {
	case DriverSQLite3, DriverSQLite:
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		db = bun.NewDB(sqldb, pgdialect.New())
	}
	db.AddQueryHook(NewQueryLogger(logger, cfg.SlowQuery))
	return db, nil
}

// QueryLogger is a bun.QueryHook writing every statement to a zerolog logger.
// Statements slower than the slow threshold are logged at warn level.
type QueryLogger struct {
	logger zerolog.Logger
	slow   time.Duration
}

var _ bun.QueryHook = (*QueryLogger)(nil)

// NewQueryLogger creates a QueryLogger. A zero slow threshold disables the
// slow query warning.
func NewQueryLogger(logger zerolog.Logger, slow time.Duration) *QueryLogger {
	return &QueryLogger{logger: logger, slow: slow}
}

// BeforeQuery implements bun.QueryHook.
func (h *QueryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery implements bun.QueryHook.
func (h *QueryLogger) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	elapsed := time.Since(event.StartTime)

	ev := h.logger.Debug()
	switch {
	case event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows):
		ev = h.logger.Error().Err(event.Err)
	case h.slow > 0 && elapsed >= h.slow:
		ev = h.logger.Warn().Bool("slow", true)
	}
	ev.Str("query", event.Query).Dur("elapsed", elapsed).Msg("sql statement")
}
