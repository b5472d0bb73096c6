package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"github.com/lumenobs/lumen/pkg/model"
)

// LogRepository persists and reads LogRecords. Inserts fire the
// log_inserted notification through a table trigger.
type LogRepository struct {
	pool *pgxpool.Pool
}

// InsertBatch writes the batch in one transaction and returns the
// assigned ids in input order. All-or-nothing: any failure rolls the
// whole batch back.
func (r *LogRepository) InsertBatch(ctx context.Context, logs []model.LogRecord) ([]int64, error) {
	if len(logs) == 0 {
		return nil, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "beginning log batch")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, l := range logs {
		md := l.Metadata
		if md == nil {
			md = model.Metadata{}
		}
		batch.Queue(`
			INSERT INTO logs (timestamp, level, service, message, metadata, trace_id, span_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			l.Timestamp, string(l.Level), l.Service, l.Message, md, l.TraceID, l.SpanID)
	}

	results := tx.SendBatch(ctx, batch)
	ids := make([]int64, len(logs))
	for i := range logs {
		if err := results.QueryRow().Scan(&ids[i]); err != nil {
			_ = results.Close()
			return nil, pkgerrors.Wrap(err, "inserting log batch")
		}
	}
	if err := results.Close(); err != nil {
		return nil, pkgerrors.Wrap(err, "closing log batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pkgerrors.Wrap(err, "committing log batch")
	}
	return ids, nil
}

const logColumns = `id, timestamp, level, service, message, metadata, trace_id, span_id`

func scanLog(row pgx.Row) (model.LogRecord, error) {
	var l model.LogRecord
	var lvl string
	err := row.Scan(&l.ID, &l.Timestamp, &lvl, &l.Service, &l.Message, &l.Metadata, &l.TraceID, &l.SpanID)
	l.Level = model.Level(lvl)
	return l, err
}

// GetByID fetches a single record; pgx.ErrNoRows when absent.
func (r *LogRepository) GetByID(ctx context.Context, id int64) (model.LogRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+logColumns+` FROM logs WHERE id = $1`, id)
	l, err := scanLog(row)
	if err != nil {
		return model.LogRecord{}, pkgerrors.Wrapf(err, "fetching log %d", id)
	}
	return l, nil
}

// Recent returns the n most recently inserted records, oldest first, so
// the catch-up pass replays them in commit order.
func (r *LogRepository) Recent(ctx context.Context, n int) ([]model.LogRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+logColumns+` FROM
			(SELECT `+logColumns+` FROM logs ORDER BY id DESC LIMIT $1) recent
		ORDER BY id ASC`, n)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying recent logs")
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scanning recent log")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LogQuery filters a read of the logs table. Zero times mean unbounded.
type LogQuery struct {
	Service string
	Start   time.Time
	End     time.Time
	Limit   int
}

// Query reads logs newest-first.
func (r *LogRepository) Query(ctx context.Context, q LogQuery) ([]model.LogRecord, error) {
	sql := `SELECT ` + logColumns + ` FROM logs WHERE TRUE`
	args := []any{}
	if q.Service != "" {
		args = append(args, q.Service)
		sql += ` AND service = $` + strconv.Itoa(len(args))
	}
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		sql += ` AND timestamp >= $` + strconv.Itoa(len(args))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		sql += ` AND timestamp <= $` + strconv.Itoa(len(args))
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	sql += ` ORDER BY timestamp DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying logs")
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scanning log")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Services lists distinct service names seen in the logs table.
func (r *LogRepository) Services(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT service FROM logs ORDER BY service`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying services")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
