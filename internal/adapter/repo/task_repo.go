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

// taskColumns is the full selection list shared by every task query. The
// provider task id lives in the legacy comfyui_prompt_id column.
const taskColumns = `id, order_id, order_number, order_image_id, style_image_id, api_config_id,
input_image_path, output_image_path, thumbnail_path, status, comfyui_prompt_id, notes,
processing_log, error_message, retry_count, is_test, created_at, started_at, completed_at,
estimated_completion_time`

// TaskRepositoryPG implements domain.TaskRepository.
type TaskRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTaskRepository creates a task repository backed by PostgreSQL.
func NewTaskRepository(pool *pgxpool.Pool) *TaskRepositoryPG {
	return &TaskRepositoryPG{pool: pool}
}

var _ domain.TaskRepository = (*TaskRepositoryPG)(nil)

// CreateOrClaim inserts the task unless an in-flight row already exists for
// the same (order_id, order_image_id) pair. The existence check and the
// insert run in one transaction under a row write lock, so concurrent
// submissions for the same order image collapse onto one row. Rows without
// both order ids are plain inserts; the retry planner relies on that to
// create its transient re-dispatch rows.
func (r *TaskRepositoryPG) CreateOrClaim(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("repo: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if task.OrderID > 0 && task.OrderImageID > 0 {
		row := tx.QueryRow(ctx, `
SELECT `+taskColumns+`
FROM ai_tasks
WHERE order_id = $1
  AND order_image_id = $2
  AND status IN ('pending', 'processing')
FOR UPDATE;
`, task.OrderID, task.OrderImageID)
		existing, err := scanTask(row)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return nil, false, fmt.Errorf("repo: commit claim tx: %w", err)
			}
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
	}

	logJSON, err := json.Marshal(task.ProcessingLog)
	if err != nil {
		return nil, false, fmt.Errorf("repo: marshal processing log: %w", err)
	}
	row := tx.QueryRow(ctx, `
INSERT INTO ai_tasks (order_id, order_number, order_image_id, style_image_id, api_config_id,
	input_image_path, output_image_path, thumbnail_path, status, comfyui_prompt_id, notes,
	processing_log, error_message, retry_count, is_test, created_at, started_at, completed_at,
	estimated_completion_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
RETURNING id, created_at;
`,
		task.OrderID,
		task.OrderNumber,
		task.OrderImageID,
		task.StyleImageID,
		task.APIConfigID,
		task.InputImagePath,
		task.OutputImagePath,
		task.ThumbnailPath,
		task.Status,
		task.ProviderTaskID,
		task.Notes,
		logJSON,
		task.ErrorMessage,
		task.RetryCount,
		task.IsTest,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.EstimatedCompletionTime,
	)
	if err := row.Scan(&task.ID, &task.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("repo: insert task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("repo: commit claim tx: %w", err)
	}
	return task, true, nil
}

// Update rewrites every mutable column of the task row.
func (r *TaskRepositoryPG) Update(ctx context.Context, task *domain.Task) error {
	logJSON, err := json.Marshal(task.ProcessingLog)
	if err != nil {
		return fmt.Errorf("repo: marshal processing log: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
UPDATE ai_tasks
SET api_config_id = $2,
    output_image_path = $3,
    thumbnail_path = $4,
    status = $5,
    comfyui_prompt_id = $6,
    notes = $7,
    processing_log = $8,
    error_message = $9,
    retry_count = $10,
    started_at = $11,
    completed_at = $12,
    estimated_completion_time = $13,
    updated_at = NOW()
WHERE id = $1;
`,
		task.ID,
		task.APIConfigID,
		task.OutputImagePath,
		task.ThumbnailPath,
		task.Status,
		task.ProviderTaskID,
		task.Notes,
		logJSON,
		task.ErrorMessage,
		task.RetryCount,
		task.StartedAt,
		task.CompletedAt,
		task.EstimatedCompletionTime,
	)
	if err != nil {
		return fmt.Errorf("repo: update task %d: %w", task.ID, err)
	}
	return nil
}

// GetByID fetches one task row.
func (r *TaskRepositoryPG) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM ai_tasks WHERE id = $1;`, id)
	return scanTask(row)
}

// ListByOrder fetches every task of an order, oldest first.
func (r *TaskRepositoryPG) ListByOrder(ctx context.Context, orderID int64) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM ai_tasks
WHERE order_id = $1
ORDER BY id;
`, orderID)
	if err != nil {
		return nil, fmt.Errorf("repo: list tasks by order: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListActive returns every pending/processing task for the poll loop,
// oldest first.
func (r *TaskRepositoryPG) ListActive(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM ai_tasks
WHERE status IN ('pending', 'processing')
ORDER BY id;
`)
	if err != nil {
		return nil, fmt.Errorf("repo: list active tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// SiblingsCompleted reports whether every non-failed, non-cancelled task of
// the order is completed with an output path.
func (r *TaskRepositoryPG) SiblingsCompleted(ctx context.Context, orderID int64) (bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT COUNT(*) FILTER (WHERE status NOT IN ('failed', 'cancelled')),
       COUNT(*) FILTER (WHERE status = 'completed' AND output_image_path <> '')
FROM ai_tasks
WHERE order_id = $1;
`, orderID)
	var considered, completed int
	if err := row.Scan(&considered, &completed); err != nil {
		return false, fmt.Errorf("repo: count order siblings: %w", err)
	}
	return considered > 0 && considered == completed, nil
}

// Delete removes a task row. Only the retry planner's transient rows are
// ever deleted.
func (r *TaskRepositoryPG) Delete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM ai_tasks WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("repo: delete task %d: %w", id, err)
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var logJSON []byte
	if err := row.Scan(
		&t.ID,
		&t.OrderID,
		&t.OrderNumber,
		&t.OrderImageID,
		&t.StyleImageID,
		&t.APIConfigID,
		&t.InputImagePath,
		&t.OutputImagePath,
		&t.ThumbnailPath,
		&t.Status,
		&t.ProviderTaskID,
		&t.Notes,
		&logJSON,
		&t.ErrorMessage,
		&t.RetryCount,
		&t.IsTest,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
		&t.EstimatedCompletionTime,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: scan task: %w", err)
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &t.ProcessingLog); err != nil {
			return nil, fmt.Errorf("repo: decode processing log of task %d: %w", t.ID, err)
		}
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo: iterate tasks: %w", err)
	}
	return out, nil
}
