package orchestrator

import (
	"context"
	"strings"
	"testing"

	"aigen/internal/domain"
	"aigen/internal/providers"
)

func submitOneTask(t *testing.T, e *env, req SubmitRequest) *domain.Task {
	t.Helper()
	tasks, err := e.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	return tasks[0]
}

func TestPlanRetryFailsOverToNextProvider(t *testing.T) {
	cfgA := activeConfig(1, "Banana Primary", domain.APITypeNanoBanana)
	cfgB := activeConfig(2, "Gemini Backup", domain.APITypeGeminiNative)
	e := newEnv(t, []domain.ProviderConfig{cfgA, cfgB}, basicTemplate(7))
	e.registry.byConfig[1] = &stubAdapter{
		apiType: domain.APITypeNanoBanana,
		createFn: func(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
			return &providers.CreateResult{Success: true, TaskID: "task_A1"}, nil
		},
	}
	e.registry.byConfig[2] = &stubAdapter{
		apiType: domain.APITypeGeminiNative,
		createFn: func(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
			return &providers.CreateResult{Success: true, TaskID: "task_B2"}, nil
		},
	}

	task := submitOneTask(t, e, SubmitRequest{StyleImageID: 7, Prompt: "red vase"})
	if err := e.service.PlanRetry(context.Background(), task, &cfgA, "provider error 500"); err != nil {
		t.Fatalf("PlanRetry: %v", err)
	}

	if task.APIConfigID != 2 {
		t.Errorf("APIConfigID = %d, want 2", task.APIConfigID)
	}
	if task.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", task.RetryCount)
	}
	if len(task.ProcessingLog.RetriedAPIConfigIDs) != 1 || task.ProcessingLog.RetriedAPIConfigIDs[0] != 1 {
		t.Errorf("RetriedAPIConfigIDs = %v, want [1]", task.ProcessingLog.RetriedAPIConfigIDs)
	}
	wantNote := "【自动重试第1次】从 Banana Primary 切换到 Gemini Backup"
	if !strings.Contains(task.Notes, wantNote) {
		t.Errorf("notes %q missing %q", task.Notes, wantNote)
	}
	if got := domain.TaskIDFromNotes(task.Notes); got != "task_B2" {
		t.Errorf("notes token = %q, want task_B2", got)
	}
	if task.ProviderTaskID != "task_B2" {
		t.Errorf("ProviderTaskID = %q, want task_B2", task.ProviderTaskID)
	}
	if task.Status != domain.TaskStatusProcessing {
		t.Errorf("status = %q, want processing", task.Status)
	}
	if task.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", task.ErrorMessage)
	}
	// The transient re-dispatch row must not survive.
	if e.tasks.count() != 1 {
		t.Errorf("persisted tasks = %d, want 1", e.tasks.count())
	}
	if len(e.tasks.deleted) != 1 {
		t.Errorf("deleted rows = %d, want 1", len(e.tasks.deleted))
	}
	stored, err := e.tasks.GetByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.ProviderTaskID != "task_B2" {
		t.Errorf("stored ProviderTaskID = %q, want task_B2", stored.ProviderTaskID)
	}
}

func TestPlanRetryNoCandidatesLeft(t *testing.T) {
	cfgA := activeConfig(1, "Banana Primary", domain.APITypeNanoBanana)
	e := newEnv(t, []domain.ProviderConfig{cfgA}, basicTemplate(7))
	e.registry.byConfig[1] = &stubAdapter{
		apiType: domain.APITypeNanoBanana,
		createFn: func(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
			return &providers.CreateResult{Success: true, TaskID: "task_A1"}, nil
		},
	}

	task := submitOneTask(t, e, SubmitRequest{StyleImageID: 7, Prompt: "x"})
	if err := e.service.PlanRetry(context.Background(), task, &cfgA, "boom"); err != nil {
		t.Fatalf("PlanRetry: %v", err)
	}
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if !strings.Contains(task.ErrorMessage, "no failover candidates left") {
		t.Errorf("error = %q", task.ErrorMessage)
	}
	if task.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", task.RetryCount)
	}
}

func TestPlanRetrySkipsExcludedCandidates(t *testing.T) {
	cfgA := activeConfig(1, "Banana Primary", domain.APITypeNanoBanana)
	cfgSSL := activeConfig(2, "SSL Metered", domain.APITypeNanoBanana)
	cfgC := activeConfig(3, "Plain Backup", domain.APITypeNanoBanana)
	e := newEnv(t, []domain.ProviderConfig{cfgA, cfgSSL, cfgC}, basicTemplate(7))
	create := func(taskID string) func(context.Context, providers.Request) (*providers.CreateResult, error) {
		return func(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
			return &providers.CreateResult{Success: true, TaskID: taskID}, nil
		}
	}
	e.registry.byConfig[1] = &stubAdapter{apiType: domain.APITypeNanoBanana, createFn: create("task_A1")}
	e.registry.byConfig[2] = &stubAdapter{apiType: domain.APITypeNanoBanana, createFn: create("task_SSL")}
	e.registry.byConfig[3] = &stubAdapter{apiType: domain.APITypeNanoBanana, createFn: create("task_C3")}

	task := submitOneTask(t, e, SubmitRequest{StyleImageID: 7, Prompt: "x"})
	if err := e.service.PlanRetry(context.Background(), task, &cfgA, "boom"); err != nil {
		t.Fatalf("PlanRetry: %v", err)
	}
	if task.APIConfigID != 3 {
		t.Errorf("APIConfigID = %d, want 3 (metered tier skipped)", task.APIConfigID)
	}
}

func TestPlanRetryHonorsShouldNotRetry(t *testing.T) {
	cfgA := activeConfig(1, "Banana Primary", domain.APITypeNanoBanana)
	cfgB := activeConfig(2, "Backup", domain.APITypeNanoBanana)
	e := newEnv(t, []domain.ProviderConfig{cfgA, cfgB}, basicTemplate(7))
	e.registry.byConfig[1] = &stubAdapter{
		apiType: domain.APITypeNanoBanana,
		createFn: func(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
			return &providers.CreateResult{Success: true, TaskID: "task_A1"}, nil
		},
	}

	task := submitOneTask(t, e, SubmitRequest{StyleImageID: 7, Prompt: "x"})
	task.ProcessingLog.ShouldNotRetry = true
	if err := e.service.PlanRetry(context.Background(), task, &cfgA, "late failure"); err != nil {
		t.Fatalf("PlanRetry: %v", err)
	}
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if task.ErrorMessage != "late failure" {
		t.Errorf("error = %q", task.ErrorMessage)
	}
	if task.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", task.RetryCount)
	}
}

func TestPlanRetryHonorsRetryDisabledConfig(t *testing.T) {
	cfgA := activeConfig(1, "Banana Primary", domain.APITypeNanoBanana)
	cfgA.EnableRetry = false
	cfgB := activeConfig(2, "Backup", domain.APITypeNanoBanana)
	e := newEnv(t, []domain.ProviderConfig{cfgA, cfgB}, basicTemplate(7))
	e.registry.byConfig[1] = &stubAdapter{
		apiType: domain.APITypeNanoBanana,
		createFn: func(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
			return &providers.CreateResult{Success: true, TaskID: "task_A1"}, nil
		},
	}

	task := submitOneTask(t, e, SubmitRequest{StyleImageID: 7, Prompt: "x"})
	if err := e.service.PlanRetry(context.Background(), task, &cfgA, "boom"); err != nil {
		t.Fatalf("PlanRetry: %v", err)
	}
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
}

func TestPlanRetryCapsAttempts(t *testing.T) {
	cfgA := activeConfig(1, "Banana Primary", domain.APITypeNanoBanana)
	cfgB := activeConfig(2, "Backup", domain.APITypeNanoBanana)
	e := newEnv(t, []domain.ProviderConfig{cfgA, cfgB}, basicTemplate(7))
	e.registry.byConfig[1] = &stubAdapter{
		apiType: domain.APITypeNanoBanana,
		createFn: func(ctx context.Context, req providers.Request) (*providers.CreateResult, error) {
			return &providers.CreateResult{Success: true, TaskID: "task_A1"}, nil
		},
	}

	task := submitOneTask(t, e, SubmitRequest{StyleImageID: 7, Prompt: "x"})
	task.RetryCount = domain.MaxRetryCount
	if err := e.service.PlanRetry(context.Background(), task, &cfgA, "boom"); err != nil {
		t.Fatalf("PlanRetry: %v", err)
	}
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
}
