package orchestrator

import (
	"context"
	"fmt"

	"aigen/internal/domain"
)

// retryNoteFormat matches the user-facing history lines the admin UI shows.
const retryNoteFormat = "【自动重试第%d次】从 %s 切换到 %s"

// PlanRetry reacts to a failed poll. When the current config allows failover
// it rewrites the task in place onto the next candidate; otherwise the task
// is marked failed with the provider's message.
func (s *Service) PlanRetry(ctx context.Context, task *domain.Task, cfg *domain.ProviderConfig, failMsg string) error {
	if !s.retryEligible(task, cfg) {
		task.Status = domain.TaskStatusFailed
		task.ErrorMessage = failMsg
		return s.tasks.Update(ctx, task)
	}

	next, err := s.nextCandidate(ctx, task, cfg)
	if err != nil {
		return err
	}
	if next == nil {
		task.Status = domain.TaskStatusFailed
		task.ErrorMessage = fmt.Sprintf("%s (no failover candidates left)", failMsg)
		return s.tasks.Update(ctx, task)
	}

	// In-place rewrite: same row, new provider. History stays user-visible
	// in notes; the ids are cleared so polling cannot chase the dead task.
	task.ProcessingLog.RetriedAPIConfigIDs = append(task.ProcessingLog.RetriedAPIConfigIDs, cfg.ID)
	task.RetryCount++
	note := fmt.Sprintf(retryNoteFormat, task.RetryCount, cfg.Name, next.Name)
	if task.Notes == "" {
		task.Notes = note
	} else {
		task.Notes = task.Notes + "\n" + note
	}
	task.Status = domain.TaskStatusPending
	task.ProviderTaskID = ""
	task.CompletedAt = nil
	task.ErrorMessage = ""
	task.APIConfigID = next.ID
	task.ProcessingLog.APIConfigID = next.ID
	task.ProcessingLog.APIConfigName = next.Name
	task.ProcessingLog.ModelName = next.ModelName
	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("orchestrator: persist retry rewrite: %w", err)
	}

	s.logger.Info().
		Int64("task_id", task.ID).
		Int("attempt", task.RetryCount).
		Str("from", cfg.Name).
		Str("to", next.Name).
		Msg("orchestrator: failing over to next provider")

	// Re-dispatch through the submit path with order ids zeroed so it
	// creates a transient row instead of claiming this one, then graft the
	// new attempt onto this row and drop the transient.
	created, err := s.Submit(ctx, SubmitRequest{
		StyleImageID: task.StyleImageID,
		Prompt:       task.ProcessingLog.Prompt,
		Images:       task.ProcessingLog.UploadedImages,
		IsTest:       task.IsTest,
		forcedConfig: next,
		skipBatch:    true,
	})
	if err != nil {
		task.Status = domain.TaskStatusFailed
		task.ErrorMessage = fmt.Sprintf("failover submit: %v", err)
		return s.tasks.Update(ctx, task)
	}
	transient := created[0]
	s.graft(task, transient)
	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("orchestrator: persist grafted task: %w", err)
	}
	if err := s.tasks.Delete(ctx, transient.ID); err != nil {
		s.logger.Warn().Err(err).Int64("transient_id", transient.ID).Msg("orchestrator: delete transient retry row")
	}
	return nil
}

func (s *Service) retryEligible(task *domain.Task, cfg *domain.ProviderConfig) bool {
	if task.ProcessingLog.ShouldNotRetry {
		return false
	}
	if !cfg.EnableRetry || cfg.RetryExcluded() {
		return false
	}
	return task.RetryCount < domain.MaxRetryCount
}

// nextCandidate scans active configs in failover order and returns the first
// not yet tried, not excluded, and not the current one.
func (s *Service) nextCandidate(ctx context.Context, task *domain.Task, cfg *domain.ProviderConfig) (*domain.ProviderConfig, error) {
	active, err := s.configs.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list failover candidates: %w", err)
	}
	for i := range active {
		c := &active[i]
		if c.ID == cfg.ID || c.RetryExcluded() || task.ProcessingLog.HasRetried(c.ID) {
			continue
		}
		return c, nil
	}
	return nil, nil
}

// graft copies the fresh attempt's provider-facing state onto the original
// row, keeping one AITask row per end-to-end attempt.
func (s *Service) graft(task, transient *domain.Task) {
	task.Status = transient.Status
	task.ProviderTaskID = transient.ProviderTaskID
	if transient.ProviderTaskID != "" {
		task.Notes = domain.SetNotesTaskID(task.Notes, transient.ProviderTaskID)
	}
	task.ProcessingLog.APITaskID = transient.ProcessingLog.APITaskID
	task.ProcessingLog.OriginalResponse = transient.ProcessingLog.OriginalResponse
	task.ProcessingLog.RequestParams = transient.ProcessingLog.RequestParams
	task.ProcessingLog.WarningMessage = transient.ProcessingLog.WarningMessage
	task.ErrorMessage = transient.ErrorMessage
	task.OutputImagePath = firstNonBlank(transient.OutputImagePath, task.OutputImagePath)
	task.ThumbnailPath = firstNonBlank(transient.ThumbnailPath, task.ThumbnailPath)
	task.StartedAt = transient.StartedAt
	task.CompletedAt = transient.CompletedAt
}
