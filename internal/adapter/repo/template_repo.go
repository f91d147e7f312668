package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aigen/internal/domain"
)

const templateColumns = `id, COALESCE(style_image_id, 0), COALESCE(style_category_id, 0),
COALESCE(api_config_id, 0), model_name, default_prompt, prompts_json, default_size,
default_aspect_ratio, upload_config, request_body_template, enhance_prompt, is_active,
created_at, updated_at`

// TemplateRepositoryPG implements domain.TemplateRepository.
type TemplateRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTemplateRepository creates a template repository backed by PostgreSQL.
func NewTemplateRepository(pool *pgxpool.Pool) *TemplateRepositoryPG {
	return &TemplateRepositoryPG{pool: pool}
}

var _ domain.TemplateRepository = (*TemplateRepositoryPG)(nil)

// GetForStyleImage resolves the template for a style image. An active
// image-level template wins; otherwise the template of the image's category
// applies.
func (r *TemplateRepositoryPG) GetForStyleImage(ctx context.Context, styleImageID int64) (*domain.Template, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+templateColumns+`
FROM style_templates
WHERE style_image_id = $1 AND is_active
ORDER BY id DESC
LIMIT 1;
`, styleImageID)
	tpl, err := scanTemplate(row)
	if err == nil {
		return tpl, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	row = r.pool.QueryRow(ctx, `
SELECT `+qualifiedTemplateColumns("t")+`
FROM style_templates t
JOIN style_images si ON si.category_id = t.style_category_id
WHERE si.id = $1 AND t.is_active
ORDER BY t.id DESC
LIMIT 1;
`, styleImageID)
	return scanTemplate(row)
}

// GetByID fetches one template row.
func (r *TemplateRepositoryPG) GetByID(ctx context.Context, id int64) (*domain.Template, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM style_templates WHERE id = $1;`, id)
	return scanTemplate(row)
}

func qualifiedTemplateColumns(alias string) string {
	return alias + `.id, COALESCE(` + alias + `.style_image_id, 0), COALESCE(` + alias + `.style_category_id, 0),
COALESCE(` + alias + `.api_config_id, 0), ` + alias + `.model_name, ` + alias + `.default_prompt,
` + alias + `.prompts_json, ` + alias + `.default_size, ` + alias + `.default_aspect_ratio,
` + alias + `.upload_config, ` + alias + `.request_body_template, ` + alias + `.enhance_prompt,
` + alias + `.is_active, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	var t domain.Template
	var promptsJSON, uploadJSON, bodyTemplate []byte
	if err := row.Scan(
		&t.ID,
		&t.StyleImageID,
		&t.StyleCategoryID,
		&t.APIConfigID,
		&t.ModelName,
		&t.DefaultPrompt,
		&promptsJSON,
		&t.DefaultSize,
		&t.DefaultAspectRatio,
		&uploadJSON,
		&bodyTemplate,
		&t.EnhancePrompt,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: scan template: %w", err)
	}
	if len(promptsJSON) > 0 {
		if err := json.Unmarshal(promptsJSON, &t.PromptsJSON); err != nil {
			return nil, fmt.Errorf("repo: decode prompts of template %d: %w", t.ID, err)
		}
	}
	if len(uploadJSON) > 0 {
		if err := json.Unmarshal(uploadJSON, &t.UploadConfig); err != nil {
			return nil, fmt.Errorf("repo: decode upload config of template %d: %w", t.ID, err)
		}
	}
	t.RequestBodyTemplate = bodyTemplate
	return &t, nil
}
