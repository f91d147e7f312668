package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aigen/internal/domain"
)

const configColumns = `id, name, api_type, api_key, host_domestic, host_overseas, draw_endpoint,
result_endpoint, file_upload_endpoint, model_name, is_sync_api, is_active, is_default,
enable_retry, priority, proxy_policy, created_at, updated_at`

// ProviderConfigRepositoryPG implements domain.ProviderConfigRepository.
type ProviderConfigRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewProviderConfigRepository creates a provider config repository backed by
// PostgreSQL.
func NewProviderConfigRepository(pool *pgxpool.Pool) *ProviderConfigRepositoryPG {
	return &ProviderConfigRepositoryPG{pool: pool}
}

var _ domain.ProviderConfigRepository = (*ProviderConfigRepositoryPG)(nil)

// GetByID fetches one config row regardless of its active flag.
func (r *ProviderConfigRepositoryPG) GetByID(ctx context.Context, id int64) (*domain.ProviderConfig, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM api_configs WHERE id = $1;`, id)
	return scanConfig(row)
}

// GetDefault fetches the active config flagged as the default.
func (r *ProviderConfigRepositoryPG) GetDefault(ctx context.Context) (*domain.ProviderConfig, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+configColumns+`
FROM api_configs
WHERE is_active AND is_default
ORDER BY id DESC
LIMIT 1;
`)
	return scanConfig(row)
}

// ListActive returns active configs in failover candidate order.
func (r *ProviderConfigRepositoryPG) ListActive(ctx context.Context) ([]domain.ProviderConfig, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+configColumns+`
FROM api_configs
WHERE is_active
ORDER BY priority DESC, is_default DESC, id DESC;
`)
	if err != nil {
		return nil, fmt.Errorf("repo: list active configs: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo: iterate configs: %w", err)
	}
	return out, nil
}

func scanConfig(row pgx.Row) (*domain.ProviderConfig, error) {
	var c domain.ProviderConfig
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.APIType,
		&c.APIKey,
		&c.HostDomestic,
		&c.HostOverseas,
		&c.DrawEndpoint,
		&c.ResultEndpoint,
		&c.FileUploadEndpoint,
		&c.ModelName,
		&c.IsSyncAPI,
		&c.IsActive,
		&c.IsDefault,
		&c.EnableRetry,
		&c.Priority,
		&c.ProxyPolicy,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: scan config: %w", err)
	}
	return &c, nil
}
