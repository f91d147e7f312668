package orchestrator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aigen/internal/domain"
	"aigen/internal/images"
	"aigen/internal/providers"
	"aigen/internal/storage"
)

// fakeTaskRepo is an in-memory TaskRepository mirroring the claim semantics
// of the SQL implementation.
type fakeTaskRepo struct {
	mu      sync.Mutex
	nextID  int64
	tasks   map[int64]domain.Task
	deleted []int64
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: map[int64]domain.Task{}}
}

func (r *fakeTaskRepo) CreateOrClaim(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task.OrderID > 0 && task.OrderImageID > 0 {
		for _, t := range r.tasks {
			if t.OrderID == task.OrderID && t.OrderImageID == task.OrderImageID && t.Active() {
				existing := t
				return &existing, false, nil
			}
		}
	}
	r.nextID++
	task.ID = r.nextID
	r.tasks[task.ID] = *task
	return task, true, nil
}

func (r *fakeTaskRepo) Update(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = *task
	return nil
}

func (r *fakeTaskRepo) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (r *fakeTaskRepo) ListByOrder(ctx context.Context, orderID int64) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.tasks {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) ListActive(ctx context.Context) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for id := int64(1); id <= r.nextID; id++ {
		if t, ok := r.tasks[id]; ok && t.Active() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) SiblingsCompleted(ctx context.Context, orderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, t := range r.tasks {
		if t.OrderID != orderID {
			continue
		}
		if t.Status == domain.TaskStatusFailed || t.Status == domain.TaskStatusCancelled {
			continue
		}
		found = true
		if t.Status != domain.TaskStatusCompleted || t.OutputImagePath == "" {
			return false, nil
		}
	}
	return found, nil
}

func (r *fakeTaskRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeTaskRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

var _ domain.TaskRepository = (*fakeTaskRepo)(nil)

// fakeConfigRepo serves configs in the order given, which tests arrange to
// match the failover candidate ordering.
type fakeConfigRepo struct {
	configs []domain.ProviderConfig
}

func (r *fakeConfigRepo) GetByID(ctx context.Context, id int64) (*domain.ProviderConfig, error) {
	for i := range r.configs {
		if r.configs[i].ID == id {
			c := r.configs[i]
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeConfigRepo) GetDefault(ctx context.Context) (*domain.ProviderConfig, error) {
	for i := range r.configs {
		if r.configs[i].IsDefault && r.configs[i].IsActive {
			c := r.configs[i]
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeConfigRepo) ListActive(ctx context.Context) ([]domain.ProviderConfig, error) {
	var out []domain.ProviderConfig
	for _, c := range r.configs {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ domain.ProviderConfigRepository = (*fakeConfigRepo)(nil)

type fakeTemplateRepo struct {
	byStyleImage map[int64]*domain.Template
}

func (r *fakeTemplateRepo) GetForStyleImage(ctx context.Context, styleImageID int64) (*domain.Template, error) {
	tpl, ok := r.byStyleImage[styleImageID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *tpl
	return &cp, nil
}

func (r *fakeTemplateRepo) GetByID(ctx context.Context, id int64) (*domain.Template, error) {
	for _, tpl := range r.byStyleImage {
		if tpl.ID == id {
			cp := *tpl
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

var _ domain.TemplateRepository = (*fakeTemplateRepo)(nil)

type orderTransition struct {
	orderID int64
	to      domain.OrderStatus
}

type fakeOrderRepo struct {
	mu          sync.Mutex
	status      map[int64]domain.OrderStatus
	transitions []orderTransition
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{status: map[int64]domain.OrderStatus{}}
}

func (r *fakeOrderRepo) GetStatus(ctx context.Context, orderID int64) (domain.OrderStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.status[orderID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return s, nil
}

func (r *fakeOrderRepo) AdvanceStatus(ctx context.Context, orderID int64, from []domain.OrderStatus, to domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.status[orderID]
	for _, f := range from {
		if current == f {
			r.status[orderID] = to
			r.transitions = append(r.transitions, orderTransition{orderID: orderID, to: to})
			return nil
		}
	}
	return nil
}

var _ domain.OrderRepository = (*fakeOrderRepo)(nil)

// stubAdapter lets each test script the provider behavior per config.
type stubAdapter struct {
	apiType   domain.APIType
	form      providers.ImageForm
	isSync    bool
	ackWindow time.Duration
	createFn  func(ctx context.Context, req providers.Request) (*providers.CreateResult, error)
	pollFn    func(ctx context.Context, taskID string) (*providers.PollResult, error)

	mu          sync.Mutex
	createCalls []providers.Request
	pollCalls   []string
}

func (a *stubAdapter) APIType() domain.APIType                { return a.apiType }
func (a *stubAdapter) ImageForm() providers.ImageForm         { return a.form }
func (a *stubAdapter) Sync() bool                             { return a.isSync }
func (a *stubAdapter) BuildRequestHeaders() map[string]string { return map[string]string{} }
func (a *stubAdapter) BuildRequestBody(req providers.Request) ([]byte, string, error) {
	return nil, "", nil
}
func (a *stubAdapter) DrawURL() string { return "" }

func (a *stubAdapter) CreateTask(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
	a.mu.Lock()
	a.createCalls = append(a.createCalls, req)
	a.mu.Unlock()
	return a.createFn(ctx, req)
}

func (a *stubAdapter) BuildPollRequest(taskID string) (*providers.PollSpec, error) {
	return &providers.PollSpec{}, nil
}

func (a *stubAdapter) ParsePollResponse(statusCode int, body []byte) (*providers.PollResult, error) {
	return &providers.PollResult{Status: providers.PollProcessing}, nil
}

func (a *stubAdapter) PollTask(ctx context.Context, taskID string) (*providers.PollResult, error) {
	a.mu.Lock()
	a.pollCalls = append(a.pollCalls, taskID)
	a.mu.Unlock()
	return a.pollFn(ctx, taskID)
}

func (a *stubAdapter) UploadFunc() images.UploadFunc { return nil }

func (a *stubAdapter) ConnectionAckWindow() time.Duration {
	if a.ackWindow > 0 {
		return a.ackWindow
	}
	return providers.DefaultConnectionAckWindow
}

func (a *stubAdapter) createCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.createCalls)
}

func (a *stubAdapter) pollCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pollCalls)
}

var _ providers.Adapter = (*stubAdapter)(nil)

// stubRegistry routes configs to scripted adapters by config id.
type stubRegistry struct {
	byConfig map[int64]providers.Adapter
}

func (r *stubRegistry) For(cfg *domain.ProviderConfig) (providers.Adapter, error) {
	a, ok := r.byConfig[cfg.ID]
	if !ok {
		return nil, domain.ErrConfigMissing
	}
	return a, nil
}

// fakeClock advances a fixed step on every Now call so call durations are
// deterministic.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

type env struct {
	tasks     *fakeTaskRepo
	configs   *fakeConfigRepo
	templates *fakeTemplateRepo
	orders    *fakeOrderRepo
	registry  *stubRegistry
	store     *storage.FileStore
	service   *Service
}

func newEnv(t *testing.T, configs []domain.ProviderConfig, templates map[int64]*domain.Template) *env {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	e := &env{
		tasks:     newFakeTaskRepo(),
		configs:   &fakeConfigRepo{configs: configs},
		templates: &fakeTemplateRepo{byStyleImage: templates},
		orders:    newFakeOrderRepo(),
		registry:  &stubRegistry{byConfig: map[int64]providers.Adapter{}},
		store:     store,
	}
	e.service = NewService(
		e.tasks, e.configs, e.templates, e.orders, e.registry,
		images.NewResolver(t.TempDir(), t.TempDir(), "", zerolog.Nop()),
		store,
		nil,
		NewPools(5, 10),
		zerolog.Nop(),
	)
	return e
}

func basicTemplate(styleImageID int64) map[int64]*domain.Template {
	return map[int64]*domain.Template{
		styleImageID: {
			ID:            1,
			StyleImageID:  styleImageID,
			DefaultPrompt: "studio portrait",
			IsActive:      true,
		},
	}
}

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 20), G: uint8(y * 20), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func activeConfig(id int64, name string, apiType domain.APIType) domain.ProviderConfig {
	return domain.ProviderConfig{
		ID:          id,
		Name:        name,
		APIType:     apiType,
		APIKey:      "sk-test",
		IsActive:    true,
		EnableRetry: true,
		ModelName:   "test-model",
	}
}
