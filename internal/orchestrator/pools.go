package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"aigen/internal/domain"
)

// Pools bounds outbound provider concurrency. ComfyUI submissions get their
// own pool because workflow runs hold provider-side GPU slots far longer
// than plain draw calls.
type Pools struct {
	api   *semaphore.Weighted
	comfy *semaphore.Weighted
}

func NewPools(apiSize, comfySize int) *Pools {
	if apiSize <= 0 {
		apiSize = 5
	}
	if comfySize <= 0 {
		comfySize = 10
	}
	return &Pools{
		api:   semaphore.NewWeighted(int64(apiSize)),
		comfy: semaphore.NewWeighted(int64(comfySize)),
	}
}

// Acquire blocks until a slot for the api type's family is free and returns
// the release function.
func (p *Pools) Acquire(ctx context.Context, apiType domain.APIType) (func(), error) {
	pool := p.api
	if apiType == domain.APITypeRunningHubComfyUI {
		pool = p.comfy
	}
	if err := pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("orchestrator: acquire permit: %w", err)
	}
	return func() { pool.Release(1) }, nil
}
