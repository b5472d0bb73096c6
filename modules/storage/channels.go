package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"github.com/lumenobs/lumen/pkg/model"
)

// ChannelRepository reads alert channel configuration. Channel CRUD is an
// external collaborator; the pipeline only needs the active set.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

// ListActive returns the active channels of a project.
func (r *ChannelRepository) ListActive(ctx context.Context, projectID int64) ([]model.AlertChannel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, kind, name, service_filter, active, config
		FROM alert_channels WHERE project_id = $1 AND active`, projectID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying alert channels")
	}
	defer rows.Close()

	var out []model.AlertChannel
	for rows.Next() {
		var c model.AlertChannel
		var kind string
		if err := rows.Scan(&c.ID, &c.ProjectID, &kind, &c.Name, &c.ServiceFilter, &c.Active, &c.Config); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning alert channel")
		}
		c.Kind = model.ChannelKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

// APIKeyRepository authenticates keys and resolves services to projects.
type APIKeyRepository struct {
	pool *pgxpool.Pool
}

// Lookup fetches a key; ok is false when the key does not exist.
func (r *APIKeyRepository) Lookup(ctx context.Context, key string) (model.APIKey, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT key, project_id, service, last_used_at FROM api_keys WHERE key = $1`, key)
	var k model.APIKey
	err := row.Scan(&k.Key, &k.ProjectID, &k.Service, &k.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.APIKey{}, false, nil
	}
	if err != nil {
		return model.APIKey{}, false, pkgerrors.Wrap(err, "looking up api key")
	}
	return k, true, nil
}

// Touch stamps last_used_at; ingest calls it on every authenticated batch
// so ResolveProject can prefer the most recently used binding.
func (r *APIKeyRepository) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE key = $1`, key, at)
	return pkgerrors.Wrap(err, "touching api key")
}

// Create mints and stores a new key for a project. An empty service
// leaves the key unbound.
func (r *APIKeyRepository) Create(ctx context.Context, projectID int64, service string) (model.APIKey, error) {
	key := "lmn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (key, project_id, service) VALUES ($1, $2, $3)`,
		key, projectID, service)
	if err != nil {
		return model.APIKey{}, pkgerrors.Wrap(err, "creating api key")
	}
	return model.APIKey{Key: key, ProjectID: projectID, Service: service}, nil
}

// EnsureBootstrap creates a default project and key on a fresh instance
// so the first ingest request has something to authenticate with.
// Returns created=false when any key already exists.
func (r *APIKeyRepository) EnsureBootstrap(ctx context.Context) (model.APIKey, bool, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return model.APIKey{}, false, pkgerrors.Wrap(err, "counting api keys")
	}
	if n > 0 {
		return model.APIKey{}, false, nil
	}

	var projectID int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO projects (name) VALUES ('default') RETURNING id`).Scan(&projectID)
	if err != nil {
		return model.APIKey{}, false, pkgerrors.Wrap(err, "creating default project")
	}
	key, err := r.Create(ctx, projectID, "")
	if err != nil {
		return model.APIKey{}, false, err
	}
	return key, true, nil
}

// ResolveProject maps a service to the project of the most recently used
// key bound to that service, falling back to the most recently used key
// overall. Returns the project id and owner email.
func (r *APIKeyRepository) ResolveProject(ctx context.Context, service string) (int64, string, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT p.id, p.owner_email
		FROM api_keys k JOIN projects p ON p.id = k.project_id
		WHERE k.service = $1 OR k.service = ''
		ORDER BY (k.service = $1) DESC, k.last_used_at DESC NULLS LAST
		LIMIT 1`, service)
	var id int64
	var email string
	err := row.Scan(&id, &email)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, pkgerrors.Wrap(err, "resolving project for service")
	}
	return id, email, true, nil
}
