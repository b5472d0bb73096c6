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

// SpanRepository persists spans and maintains the per-trace aggregate.
type SpanRepository struct {
	pool *pgxpool.Pool
}

// InsertBatch upserts spans ((trace_id, span_id) unique) and recomputes
// the aggregate row of every touched trace in the same transaction.
func (r *SpanRepository) InsertBatch(ctx context.Context, spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "beginning span batch")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	touched := map[string]struct{}{}
	for _, s := range spans {
		touched[s.TraceID] = struct{}{}
		batch.Queue(`
			INSERT INTO spans (trace_id, span_id, parent_span_id, name, kind, service,
			                   start_time, end_time, duration_ms, status, attributes, events, links)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (trace_id, span_id) DO UPDATE SET
				end_time = EXCLUDED.end_time,
				duration_ms = EXCLUDED.duration_ms,
				status = EXCLUDED.status,
				attributes = EXCLUDED.attributes,
				events = EXCLUDED.events,
				links = EXCLUDED.links`,
			s.TraceID, s.SpanID, s.ParentSpanID, s.Name, string(s.Kind), s.Service,
			s.StartTime, s.EndTime, s.DurationMs, string(s.Status),
			orEmpty(s.Attributes), orEmptySlice(s.Events), orEmptySlice(s.Links))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return pkgerrors.Wrap(err, "inserting span batch")
	}

	for traceID := range touched {
		if err := upsertTraceAggregate(ctx, tx, traceID); err != nil {
			return err
		}
	}
	return pkgerrors.Wrap(tx.Commit(ctx), "committing span batch")
}

func orEmpty(m model.Metadata) model.Metadata {
	if m == nil {
		return model.Metadata{}
	}
	return m
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// upsertTraceAggregate recomputes span counts, error count, time bounds
// and root span for one trace from its stored spans.
func upsertTraceAggregate(ctx context.Context, tx pgx.Tx, traceID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO traces (trace_id, root_span_id, root_name, services, span_count, error_count, start_time, end_time)
		SELECT
			$1,
			COALESCE((SELECT span_id FROM spans WHERE trace_id = $1 AND parent_span_id = '' ORDER BY start_time LIMIT 1), ''),
			COALESCE((SELECT name FROM spans WHERE trace_id = $1 AND parent_span_id = '' ORDER BY start_time LIMIT 1), ''),
			ARRAY(SELECT DISTINCT service FROM spans WHERE trace_id = $1 ORDER BY service),
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'ERROR'),
			MIN(start_time),
			MAX(end_time)
		FROM spans WHERE trace_id = $1
		ON CONFLICT (trace_id) DO UPDATE SET
			root_span_id = EXCLUDED.root_span_id,
			root_name = EXCLUDED.root_name,
			services = EXCLUDED.services,
			span_count = EXCLUDED.span_count,
			error_count = EXCLUDED.error_count,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time`, traceID)
	return pkgerrors.Wrapf(err, "upserting trace aggregate %s", traceID)
}

const spanColumns = `trace_id, span_id, parent_span_id, name, kind, service,
	start_time, end_time, duration_ms, status, attributes, events, links`

func scanSpan(row pgx.Row) (model.Span, error) {
	var s model.Span
	var kind, status string
	err := row.Scan(&s.TraceID, &s.SpanID, &s.ParentSpanID, &s.Name, &kind, &s.Service,
		&s.StartTime, &s.EndTime, &s.DurationMs, &status, &s.Attributes, &s.Events, &s.Links)
	s.Kind = model.SpanKind(kind)
	s.Status = model.SpanStatus(status)
	return s, err
}

// TraceByID returns the aggregate and all spans of a trace.
func (r *SpanRepository) TraceByID(ctx context.Context, traceID string) (model.Trace, []model.Span, error) {
	var t model.Trace
	row := r.pool.QueryRow(ctx, `
		SELECT trace_id, root_span_id, root_name, services, span_count, error_count, start_time, end_time
		FROM traces WHERE trace_id = $1`, traceID)
	if err := row.Scan(&t.TraceID, &t.RootSpanID, &t.RootName, &t.Services,
		&t.SpanCount, &t.ErrorCount, &t.StartTime, &t.EndTime); err != nil {
		return model.Trace{}, nil, pkgerrors.Wrapf(err, "fetching trace %s", traceID)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+spanColumns+` FROM spans WHERE trace_id = $1 ORDER BY start_time`, traceID)
	if err != nil {
		return model.Trace{}, nil, pkgerrors.Wrap(err, "querying trace spans")
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return model.Trace{}, nil, pkgerrors.Wrap(err, "scanning span")
		}
		spans = append(spans, s)
	}
	return t, spans, rows.Err()
}

// TraceQuery filters the trace list endpoint.
type TraceQuery struct {
	Service string
	Start   time.Time
	End     time.Time
	Limit   int
}

// QueryTraces lists trace aggregates newest-first.
func (r *SpanRepository) QueryTraces(ctx context.Context, q TraceQuery) ([]model.Trace, error) {
	sql := `SELECT trace_id, root_span_id, root_name, services, span_count, error_count, start_time, end_time
		FROM traces WHERE TRUE`
	args := []any{}
	if q.Service != "" {
		args = append(args, q.Service)
		sql += ` AND $` + strconv.Itoa(len(args)) + ` = ANY(services)`
	}
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		sql += ` AND start_time >= $` + strconv.Itoa(len(args))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		sql += ` AND start_time <= $` + strconv.Itoa(len(args))
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	sql += ` ORDER BY start_time DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying traces")
	}
	defer rows.Close()

	var out []model.Trace
	for rows.Next() {
		var t model.Trace
		if err := rows.Scan(&t.TraceID, &t.RootSpanID, &t.RootName, &t.Services,
			&t.SpanCount, &t.ErrorCount, &t.StartTime, &t.EndTime); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning trace")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ServiceMap derives client->server edges from parent/child spans whose
// services differ, over the trailing window.
func (r *SpanRepository) ServiceMap(ctx context.Context, window time.Duration) ([]model.ServiceEdge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT parent.service AS client, child.service AS server, COUNT(*) AS calls
		FROM spans child
		JOIN spans parent
		  ON parent.trace_id = child.trace_id AND parent.span_id = child.parent_span_id
		WHERE child.start_time > now() - $1::interval
		  AND parent.service <> child.service
		GROUP BY parent.service, child.service
		ORDER BY calls DESC`, window)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying service map")
	}
	defer rows.Close()

	var out []model.ServiceEdge
	for rows.Next() {
		var e model.ServiceEdge
		if err := rows.Scan(&e.Client, &e.Server, &e.CallCount); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning service edge")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
