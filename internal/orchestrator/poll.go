package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aigen/internal/domain"
	"aigen/internal/images"
	"aigen/internal/infra"
	"aigen/internal/providers"
)

// PollLoop is the single background daemon that drives async tasks to
// completion. It wakes on an adaptive interval, shorter while work is in
// flight.
type PollLoop struct {
	service    *Service
	waitBefore time.Duration
	idleEvery  time.Duration
	busyEvery  time.Duration
	logger     infra.Logger

	now func() time.Time
}

func NewPollLoop(service *Service, waitBefore, idleEvery, busyEvery time.Duration, logger infra.Logger) *PollLoop {
	if idleEvery <= 0 {
		idleEvery = 10 * time.Second
	}
	if busyEvery <= 0 {
		busyEvery = 5 * time.Second
	}
	return &PollLoop{
		service:    service,
		waitBefore: waitBefore,
		idleEvery:  idleEvery,
		busyEvery:  busyEvery,
		logger:     logger,
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (p *PollLoop) Run(ctx context.Context) {
	p.logger.Info().
		Dur("idle_interval", p.idleEvery).
		Dur("busy_interval", p.busyEvery).
		Msg("poll: loop started")
	interval := p.idleEvery
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poll: loop stopped")
			return
		case <-time.After(interval):
		}
		busy, err := p.Tick(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("poll: tick failed")
		}
		if busy {
			interval = p.busyEvery
		} else {
			interval = p.idleEvery
		}
	}
}

// Tick runs one selection pass and returns whether any task is still active.
func (p *PollLoop) Tick(ctx context.Context) (bool, error) {
	tasks, err := p.service.tasks.ListActive(ctx)
	if err != nil {
		return false, fmt.Errorf("poll: list active tasks: %w", err)
	}
	busy := false
	for i := range tasks {
		task := &tasks[i]
		stillActive := p.handle(ctx, task)
		busy = busy || stillActive
	}
	return busy, nil
}

// handle advances one task and reports whether it remains active.
func (p *PollLoop) handle(ctx context.Context, task *domain.Task) bool {
	cfg, err := p.service.configs.GetByID(ctx, task.APIConfigID)
	if err != nil {
		p.failTask(ctx, task, fmt.Sprintf("provider config %d unavailable: %v", task.APIConfigID, err))
		return false
	}

	age := p.now().Sub(task.CreatedAt)
	if age > task.AgeLimit(cfg.IsSyncAPI) {
		reason := fmt.Sprintf("auto cleanup: task exceeded %s", task.AgeLimit(cfg.IsSyncAPI))
		if cfg.IsSyncAPI {
			reason = fmt.Sprintf("sync call timeout: no result after %s", task.AgeLimit(true))
		}
		p.failTask(ctx, task, reason)
		return false
	}
	if cfg.IsSyncAPI {
		// Sync tasks complete inside the submit call; nothing to poll.
		return true
	}
	grace := p.waitBefore
	if task.IsTest {
		grace = 0
	}
	if age < grace {
		return true
	}

	taskID := task.PollTaskID()
	if taskID == "" {
		if task.ProcessingLog.ConnectionClosedButRequestSent {
			// No id will ever arrive; the age sweep evicts it.
			return true
		}
		p.failTask(ctx, task, "no provider task id recorded")
		return false
	}

	adapter, err := p.service.registry.For(cfg)
	if err != nil {
		p.failTask(ctx, task, err.Error())
		return false
	}
	result, err := adapter.PollTask(ctx, taskID)
	if err != nil {
		// Transient transport failure; try again next tick.
		p.logger.Warn().Err(err).Int64("task_id", task.ID).Str("provider_task_id", taskID).Msg("poll: query failed")
		return true
	}

	switch result.Status {
	case providers.PollCompleted:
		p.complete(ctx, task, result)
		return false
	case providers.PollFailed:
		if err := p.service.PlanRetry(ctx, task, cfg, result.ErrorMessage); err != nil {
			p.logger.Error().Err(err).Int64("task_id", task.ID).Msg("poll: retry planning failed")
		}
		return task.Active()
	default:
		if result.ETA > 0 {
			eta := p.now().Add(result.ETA)
			task.EstimatedCompletionTime = &eta
			if err := p.service.tasks.Update(ctx, task); err != nil {
				p.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("poll: persist eta")
			}
		}
		return true
	}
}

// complete downloads the artifact, derives a thumbnail for images, persists
// the terminal state, and promotes the parent order when the whole batch is
// done.
func (p *PollLoop) complete(ctx context.Context, task *domain.Task, result *providers.PollResult) {
	fetched, err := p.service.resolver.ResolveBytes(ctx, []string{result.ImageURL})
	if err != nil || len(fetched) == 0 {
		p.failTask(ctx, task, fmt.Sprintf("download result %s: %v", result.ImageURL, err))
		return
	}
	data, mime := fetched[0].Data, fetched[0].MIME
	key, err := p.service.store.SaveFinalWork(ctx, fmt.Sprintf("%d", task.ID), images.ExtForMIME(mime, result.ImageURL), data)
	if err != nil {
		p.failTask(ctx, task, fmt.Sprintf("save result: %v", err))
		return
	}
	if strings.HasPrefix(mime, "image/") {
		if thumb, err := p.service.store.SaveThumbnail(ctx, key, data); err == nil {
			task.ThumbnailPath = thumb
		}
	}
	now := p.now()
	task.OutputImagePath = key
	task.Status = domain.TaskStatusCompleted
	task.CompletedAt = &now
	task.EstimatedCompletionTime = nil
	task.ProcessingLog.OriginalResponse = result.RawResponse
	if err := p.service.tasks.Update(ctx, task); err != nil {
		p.logger.Error().Err(err).Int64("task_id", task.ID).Msg("poll: persist completion")
		return
	}
	p.logger.Info().Int64("task_id", task.ID).Str("output", key).Msg("poll: task completed")

	if task.OrderID > 0 {
		done, err := p.service.tasks.SiblingsCompleted(ctx, task.OrderID)
		if err != nil {
			p.logger.Warn().Err(err).Int64("order_id", task.OrderID).Msg("poll: sibling check failed")
			return
		}
		if done && p.service.orders != nil {
			if err := p.service.orders.AdvanceStatus(ctx, task.OrderID,
				[]domain.OrderStatus{domain.OrderStatusAIProcessing},
				domain.OrderStatusPendingSelection); err != nil {
				p.logger.Warn().Err(err).Int64("order_id", task.OrderID).Msg("poll: order promotion failed")
			}
		}
	}
}

func (p *PollLoop) failTask(ctx context.Context, task *domain.Task, reason string) {
	task.Status = domain.TaskStatusFailed
	task.ErrorMessage = reason
	now := p.now()
	task.CompletedAt = &now
	if err := p.service.tasks.Update(ctx, task); err != nil {
		p.logger.Error().Err(err).Int64("task_id", task.ID).Msg("poll: persist failure")
	}
}
