package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"github.com/lumenobs/lumen/pkg/model"
)

// AlertRepository persists alerts. The partial unique index on
// (service, alert_type, time_bucket) WHERE NOT resolved is the arbiter
// for deduplication across concurrent producers.
type AlertRepository struct {
	pool *pgxpool.Pool
}

// UpsertDeduped atomically inserts the alert or merges it into the
// unresolved row holding its dedupe key. On conflict the stored severity
// and message are replaced only when the incoming severity is strictly
// higher; created_at is kept. Results: created, updated, or neither
// (skipped, id of the surviving row returned when it can be read back).
func (r *AlertRepository) UpsertDeduped(ctx context.Context, a model.Alert) (id int64, created, updated bool, err error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO alerts (project_id, alert_type, severity, message, service, resolved, created_at, sent, time_bucket)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, FALSE, $7)
		ON CONFLICT (service, alert_type, time_bucket) WHERE NOT resolved
		DO UPDATE SET severity = EXCLUDED.severity, message = EXCLUDED.message
		WHERE alerts.severity < EXCLUDED.severity
		RETURNING id, (xmax = 0) AS inserted`,
		a.ProjectID, string(a.Type), int(a.Severity), a.Message, a.Service, a.CreatedAt, a.TimeBucket)

	var inserted bool
	err = row.Scan(&id, &inserted)
	switch {
	case err == nil:
		return id, inserted, !inserted, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict with equal or higher stored severity: skipped.
		existing, ok, err := r.FindByBuckets(ctx, a.Service, a.Type, []int64{a.TimeBucket})
		if err != nil || !ok {
			return 0, false, false, err
		}
		return existing.ID, false, false, nil
	case isUniqueViolation(err):
		return 0, false, false, ErrConflict
	default:
		return 0, false, false, pkgerrors.Wrap(err, "upserting alert")
	}
}

const alertColumns = `id, project_id, alert_type, severity, message, service,
	resolved, created_at, resolved_at, sent, last_sent_at, time_bucket`

func scanAlert(row pgx.Row) (model.Alert, error) {
	var a model.Alert
	var typ string
	var sev int
	err := row.Scan(&a.ID, &a.ProjectID, &typ, &sev, &a.Message, &a.Service,
		&a.Resolved, &a.CreatedAt, &a.ResolvedAt, &a.Sent, &a.LastSentAt, &a.TimeBucket)
	a.Type = model.AlertType(typ)
	a.Severity = model.Severity(sev)
	return a, err
}

// FindByBuckets looks up the unresolved alert for (service, type) in any
// of the given time buckets, newest bucket first.
func (r *AlertRepository) FindByBuckets(ctx context.Context, service string, typ model.AlertType, buckets []int64) (model.Alert, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE service = $1 AND alert_type = $2 AND time_bucket = ANY($3) AND NOT resolved
		ORDER BY time_bucket DESC LIMIT 1`,
		service, string(typ), buckets)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Alert{}, false, nil
	}
	if err != nil {
		return model.Alert{}, false, pkgerrors.Wrap(err, "looking up alert by bucket")
	}
	return a, true, nil
}

// FindRecentUnsent returns unsent alerts for the same (service, type,
// project) created at or after since, oldest first. Feeds batched sends.
func (r *AlertRepository) FindRecentUnsent(ctx context.Context, service string, typ model.AlertType, projectID int64, since time.Time) ([]model.Alert, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE service = $1 AND alert_type = $2 AND project_id = $3
		  AND NOT sent AND created_at >= $4
		ORDER BY created_at ASC`,
		service, string(typ), projectID, since)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying unsent alerts")
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scanning unsent alert")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkSent flips sent and stamps last_sent_at on the given alerts.
func (r *AlertRepository) MarkSent(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE alerts SET sent = TRUE, last_sent_at = $2 WHERE id = ANY($1)`, ids, at)
	return pkgerrors.Wrap(err, "marking alerts sent")
}

// AlertQuery filters the alerts read endpoint.
type AlertQuery struct {
	Service  string
	Resolved *bool
	Start    time.Time
	End      time.Time
	Limit    int
}

// Query reads alerts newest-first.
func (r *AlertRepository) Query(ctx context.Context, q AlertQuery) ([]model.Alert, error) {
	sql := `SELECT ` + alertColumns + ` FROM alerts WHERE TRUE`
	args := []any{}
	if q.Service != "" {
		args = append(args, q.Service)
		sql += ` AND service = $` + strconv.Itoa(len(args))
	}
	if q.Resolved != nil {
		args = append(args, *q.Resolved)
		sql += ` AND resolved = $` + strconv.Itoa(len(args))
	}
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		sql += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		sql += ` AND created_at <= $` + strconv.Itoa(len(args))
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	sql += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying alerts")
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scanning alert")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
