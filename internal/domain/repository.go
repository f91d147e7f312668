package domain

import "context"

// TaskRepository defines persistence for generation tasks. Cross-worker
// handoff happens through these rows, never through in-memory references.
type TaskRepository interface {
	// CreateOrClaim inserts the task unless an in-flight row already exists
	// for the same (order_id, order_image_id); in that case it returns the
	// existing row and created=false. The check runs under a row write lock
	// so double-delivery from the queue cannot duplicate submissions.
	CreateOrClaim(ctx context.Context, task *Task) (existing *Task, created bool, err error)
	Update(ctx context.Context, task *Task) error
	GetByID(ctx context.Context, id int64) (*Task, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Task, error)
	// ListActive returns all pending/processing tasks for the poll loop.
	ListActive(ctx context.Context) ([]Task, error)
	// SiblingsCompleted reports whether every non-failed, non-cancelled task
	// of the order is completed with an output path.
	SiblingsCompleted(ctx context.Context, orderID int64) (bool, error)
	Delete(ctx context.Context, id int64) error
}

// ProviderConfigRepository reads vendor credential records. Configs are
// admin-managed; no caching here so edits take effect on the next tick.
type ProviderConfigRepository interface {
	GetByID(ctx context.Context, id int64) (*ProviderConfig, error)
	GetDefault(ctx context.Context) (*ProviderConfig, error)
	// ListActive returns active configs in failover candidate order:
	// priority desc, is_default desc, id desc.
	ListActive(ctx context.Context) ([]ProviderConfig, error)
}

// TemplateRepository resolves style templates.
type TemplateRepository interface {
	// GetForStyleImage resolves by style image id; an image-level template
	// wins over the category-level one.
	GetForStyleImage(ctx context.Context, styleImageID int64) (*Template, error)
	GetByID(ctx context.Context, id int64) (*Template, error)
}

// OrderRepository is the minimal surface the orchestrator needs for advisory
// status promotion.
type OrderRepository interface {
	GetStatus(ctx context.Context, orderID int64) (OrderStatus, error)
	// AdvanceStatus moves the order to the target status only when its
	// current status is one of from; otherwise it is a no-op.
	AdvanceStatus(ctx context.Context, orderID int64, from []OrderStatus, to OrderStatus) error
}
