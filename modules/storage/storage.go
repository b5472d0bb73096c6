// Package storage holds the Postgres repositories behind the pipeline:
// logs, spans and trace aggregates, windowed metrics, alerts, channels and
// API keys. Schema migrations are embedded and applied at startup.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for goose
	pkgerrors "github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrConflict marks a unique-constraint violation. Callers that expect
// conflicts (the alert deduper) branch on it with errors.Is.
var ErrConflict = errors.New("unique constraint conflict")

// Store owns the connection pool and hands out repositories.
type Store struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger log.Logger

	Logs     *LogRepository
	Spans    *SpanRepository
	Metrics  *MetricRepository
	Alerts   *AlertRepository
	Channels *ChannelRepository
	Keys     *APIKeyRepository
}

func New(ctx context.Context, cfg Config, logger log.Logger) (*Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("storage: database URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parsing database URL")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "creating connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "pinging database")
	}

	s := &Store{
		cfg:    cfg,
		pool:   pool,
		logger: logger,
	}
	s.Logs = &LogRepository{pool: pool}
	s.Spans = &SpanRepository{pool: pool}
	s.Metrics = &MetricRepository{pool: pool, retryLimit: cfg.RetryLimit}
	s.Alerts = &AlertRepository{pool: pool}
	s.Channels = &ChannelRepository{pool: pool}
	s.Keys = &APIKeyRepository{pool: pool}
	return s, nil
}

// MigrateUp applies all pending schema migrations.
func (s *Store) MigrateUp(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return pkgerrors.Wrap(err, "setting goose dialect")
	}

	db, err := sql.Open("pgx", s.cfg.DatabaseURL)
	if err != nil {
		return pkgerrors.Wrap(err, "opening migration connection")
	}
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return pkgerrors.Wrap(err, "applying migrations")
	}
	level.Info(s.logger).Log("msg", "schema migrations applied")
	return nil
}

// Pool exposes the raw pool for the change listener's dedicated LISTEN
// connection.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() {
	s.pool.Close()
}

// DeleteExpired enforces the retention horizon on logs and metrics.
func (s *Store) DeleteExpired(ctx context.Context) error {
	horizon := s.cfg.RetentionPeriod
	tags, err := s.pool.Exec(ctx, `DELETE FROM logs WHERE timestamp < now() - $1::interval`, horizon)
	if err != nil {
		return pkgerrors.Wrap(err, "deleting expired logs")
	}
	logsDeleted := tags.RowsAffected()

	tags, err = s.pool.Exec(ctx, `DELETE FROM metrics WHERE window_start < now() - $1::interval`, horizon)
	if err != nil {
		return pkgerrors.Wrap(err, "deleting expired metrics")
	}
	if n := logsDeleted + tags.RowsAffected(); n > 0 {
		level.Info(s.logger).Log("msg", "retention sweep complete", "rows", n)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsTransient reports whether err is worth retrying: serialization
// failures, deadlocks and connection-level failures.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300", "08006", "08003":
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}
