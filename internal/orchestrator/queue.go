package orchestrator

import (
	"context"
	"sync"

	"aigen/internal/domain"
	"aigen/internal/infra"
)

const (
	defaultQueueSize    = 100
	defaultQueueWorkers = 3
)

// Queue decouples request handling from provider dispatch. Enqueue is
// non-blocking; callers fall back to a direct Submit when the buffer is full,
// so a saturated queue degrades to synchronous handling instead of dropping
// work.
type Queue struct {
	service *Service
	jobs    chan SubmitRequest
	workers int
	logger  infra.Logger
}

func NewQueue(service *Service, size, workers int, logger infra.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultQueueWorkers
	}
	return &Queue{
		service: service,
		jobs:    make(chan SubmitRequest, size),
		workers: workers,
		logger:  logger,
	}
}

// Enqueue hands the request to a worker. It reports false when the buffer is
// full; the caller then dispatches inline.
func (q *Queue) Enqueue(req SubmitRequest) bool {
	select {
	case q.jobs <- req:
		return true
	default:
		q.logger.Warn().
			Err(domain.ErrQueueFull).
			Int("capacity", cap(q.jobs)).
			Int64("order_id", req.OrderID).
			Msg("worker: queue full, falling back to direct dispatch")
		return false
	}
}

// Depth returns the number of queued requests, for health reporting.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained their current job.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info().Int("workers", q.workers).Int("capacity", cap(q.jobs)).Msg("worker: pool started")
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.work(ctx, id)
		}(i)
	}
	wg.Wait()
	q.logger.Info().Msg("worker: pool stopped")
}

func (q *Queue) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.jobs:
			tasks, err := q.service.Submit(ctx, req)
			if err != nil {
				q.logger.Error().
					Err(err).
					Int("worker", id).
					Int64("order_id", req.OrderID).
					Int64("order_image_id", req.OrderImageID).
					Msg("worker: submit failed")
				continue
			}
			q.logger.Info().
				Int("worker", id).
				Int("tasks", len(tasks)).
				Int64("order_id", req.OrderID).
				Msg("worker: submit dispatched")
		}
	}
}
