package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"aigen/internal/domain"
	"aigen/internal/images"
	"aigen/internal/infra"
	"aigen/internal/prompt"
	"aigen/internal/providers"
	"aigen/internal/storage"
)

// AdapterResolver maps a provider config onto its protocol adapter.
// *providers.Registry satisfies it; tests substitute stubs.
type AdapterResolver interface {
	For(cfg *domain.ProviderConfig) (providers.Adapter, error)
}

// SubmitRequest is the single inbound boundary for generation work.
type SubmitRequest struct {
	StyleImageID int64
	Prompt       string
	Size         string
	AspectRatio  string
	Images       []string
	UploadConfig []domain.UploadSlot
	APIConfigID  int64
	OrderID      int64
	OrderNumber  string
	OrderImageID int64
	Locale       string
	IsTest       bool

	// forcedConfig and skipBatch are set internally by the retry planner
	// and the batch expansion respectively.
	forcedConfig *domain.ProviderConfig
	skipBatch    bool
}

// Service runs the submit path end to end: template and provider resolution,
// batch expansion, image resolution, persist-first dispatch, and the
// connection-loss classification.
type Service struct {
	tasks     domain.TaskRepository
	configs   domain.ProviderConfigRepository
	templates domain.TemplateRepository
	orders    domain.OrderRepository
	registry  AdapterResolver
	resolver  *images.Resolver
	store     *storage.FileStore
	enhancer  prompt.Enhancer
	pools     *Pools
	logger    infra.Logger

	now func() time.Time
}

func NewService(
	tasks domain.TaskRepository,
	configs domain.ProviderConfigRepository,
	templates domain.TemplateRepository,
	orders domain.OrderRepository,
	registry AdapterResolver,
	resolver *images.Resolver,
	store *storage.FileStore,
	enhancer prompt.Enhancer,
	pools *Pools,
	logger infra.Logger,
) *Service {
	return &Service{
		tasks:     tasks,
		configs:   configs,
		templates: templates,
		orders:    orders,
		registry:  registry,
		resolver:  resolver,
		store:     store,
		enhancer:  enhancer,
		pools:     pools,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit creates one task per effective prompt and dispatches each to its
// provider. The returned slice has one entry unless the template expands a
// batch.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) ([]*domain.Task, error) {
	tpl, err := s.templates.GetForStyleImage(ctx, req.StyleImageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("orchestrator: style image %d: %w", req.StyleImageID, domain.ErrTemplateMissing)
		}
		return nil, fmt.Errorf("orchestrator: resolve template: %w", err)
	}

	cfg := req.forcedConfig
	if cfg == nil {
		cfg, err = s.resolveConfig(ctx, req.APIConfigID, tpl)
		if err != nil {
			return nil, err
		}
	}

	if batch := tpl.BatchPrompts(); len(batch) > 0 && !req.skipBatch {
		return s.submitBatch(ctx, req, cfg, batch)
	}

	task, err := s.submitOne(ctx, req, tpl, cfg)
	if err != nil {
		return nil, err
	}
	return []*domain.Task{task}, nil
}

// submitBatch emits one task per batch prompt. A caller-supplied prompt
// replaces the first entry; blank entries were already dropped.
func (s *Service) submitBatch(ctx context.Context, req SubmitRequest, cfg *domain.ProviderConfig, batch []string) ([]*domain.Task, error) {
	prompts := append([]string(nil), batch...)
	if strings.TrimSpace(req.Prompt) != "" {
		prompts[0] = req.Prompt
	}
	out := make([]*domain.Task, 0, len(prompts))
	for _, p := range prompts {
		sub := req
		sub.Prompt = p
		sub.skipBatch = true
		sub.forcedConfig = cfg
		tasks, err := s.Submit(ctx, sub)
		if err != nil {
			return out, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

func (s *Service) resolveConfig(ctx context.Context, requestedID int64, tpl *domain.Template) (*domain.ProviderConfig, error) {
	if requestedID > 0 {
		cfg, err := s.configs.GetByID(ctx, requestedID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: provider config %d: %w", requestedID, err)
		}
		return cfg, nil
	}
	if tpl.APIConfigID > 0 {
		cfg, err := s.configs.GetByID(ctx, tpl.APIConfigID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("orchestrator: template config %d: %w", tpl.APIConfigID, err)
		}
	}
	if cfg, err := s.configs.GetDefault(ctx); err == nil {
		return cfg, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("orchestrator: default config: %w", err)
	}
	active, err := s.configs.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list configs: %w", err)
	}
	if len(active) == 0 {
		return nil, domain.ErrConfigMissing
	}
	return &active[0], nil
}

func (s *Service) submitOne(ctx context.Context, req SubmitRequest, tpl *domain.Template, cfg *domain.ProviderConfig) (*domain.Task, error) {
	adapter, err := s.registry.For(cfg)
	if err != nil {
		return nil, err
	}

	effectivePrompt := strings.TrimSpace(req.Prompt)
	if effectivePrompt == "" {
		effectivePrompt = strings.TrimSpace(tpl.DefaultPrompt)
	}
	if tpl.EnhancePrompt && s.enhancer != nil {
		enhanced, err := s.enhancer.Enhance(ctx, prompt.EnhanceRequest{Prompt: effectivePrompt, Locale: req.Locale})
		if err == nil && enhanced != "" {
			effectivePrompt = enhanced
		}
	}
	size := firstNonBlank(req.Size, tpl.DefaultSize)
	aspect := firstNonBlank(req.AspectRatio, tpl.DefaultAspectRatio)
	uploadCfg := req.UploadConfig
	if len(uploadCfg) == 0 {
		uploadCfg = tpl.UploadConfig
	}

	resolved, err := s.resolveImages(ctx, adapter, req.Images)
	if err != nil {
		return nil, err
	}

	initialStatus := domain.TaskStatusPending
	if cfg.IsSyncAPI {
		initialStatus = domain.TaskStatusProcessing
	}
	task := &domain.Task{
		OrderID:        req.OrderID,
		OrderNumber:    req.OrderNumber,
		OrderImageID:   req.OrderImageID,
		StyleImageID:   req.StyleImageID,
		APIConfigID:    cfg.ID,
		InputImagePath: strings.Join(req.Images, ","),
		Status:         initialStatus,
		IsTest:         req.IsTest,
		CreatedAt:      s.now(),
		ProcessingLog: domain.ProcessingLog{
			APIConfigID:    cfg.ID,
			APIConfigName:  cfg.Name,
			ModelName:      cfg.ModelName,
			Prompt:         effectivePrompt,
			UploadedImages: req.Images,
			// Written before dispatch so a crash mid-call still leaves a
			// record of what was sent. Adapters may replace it with the
			// exact wire payload after the call returns.
			RequestParams: map[string]any{
				"prompt":       effectivePrompt,
				"model":        firstNonBlank(tpl.ModelName, cfg.ModelName),
				"size":         size,
				"aspect_ratio": aspect,
				"image_urls":   req.Images,
			},
		},
	}

	existing, created, err := s.tasks.CreateOrClaim(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create task: %w", err)
	}
	if !created {
		s.logger.Info().
			Int64("task_id", existing.ID).
			Int64("order_id", req.OrderID).
			Int64("order_image_id", req.OrderImageID).
			Msg("orchestrator: in-flight task claimed, skipping duplicate submit")
		return existing, nil
	}

	release, err := s.pools.Acquire(ctx, cfg.APIType)
	if err != nil {
		task.Status = domain.TaskStatusFailed
		task.ErrorMessage = err.Error()
		_ = s.tasks.Update(ctx, task)
		return nil, err
	}
	defer release()

	started := s.now()
	result, callErr := adapter.CreateTask(ctx, providers.Request{
		Prompt:       effectivePrompt,
		Model:        firstNonBlank(tpl.ModelName, cfg.ModelName),
		AspectRatio:  aspect,
		Size:         size,
		Images:       resolved,
		UploadConfig: uploadCfg,
		BodyTemplate: tpl.RequestBodyTemplate,
	})
	elapsed := s.now().Sub(started)
	if callErr != nil {
		s.classifyCallFailure(ctx, task, adapter, callErr, elapsed)
		return task, nil
	}

	s.applyCreateResult(ctx, task, cfg, result)
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("orchestrator: persist task result: %w", err)
	}
	s.promoteOrder(ctx, req.OrderID)
	return task, nil
}

func (s *Service) resolveImages(ctx context.Context, adapter providers.Adapter, refs []string) ([]images.Resolved, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if adapter.ImageForm() == providers.ImageFormURL {
		return s.resolver.ResolveURLs(ctx, refs, adapter.UploadFunc())
	}
	return s.resolver.ResolveBytes(ctx, refs)
}

// classifyCallFailure implements the connection-loss rule: a transport error
// after the ack window means the request may have reached the provider, so
// the task stays processing and is never retried; only the age sweep may
// evict it. Inside the window it is an ordinary failure.
func (s *Service) classifyCallFailure(ctx context.Context, task *domain.Task, adapter providers.Adapter, callErr error, elapsed time.Duration) {
	if elapsed >= adapter.ConnectionAckWindow() && isConnectionError(callErr) {
		task.Status = domain.TaskStatusProcessing
		task.ProcessingLog.ShouldNotRetry = true
		task.ProcessingLog.ConnectionClosedButRequestSent = true
		task.ProviderTaskID = ""
		s.logger.Warn().
			Int64("task_id", task.ID).
			Dur("elapsed", elapsed).
			Err(callErr).
			Msg("orchestrator: connection closed after request was sent, holding task for poll sweep")
	} else {
		task.Status = domain.TaskStatusFailed
		task.ErrorMessage = callErr.Error()
	}
	if err := s.tasks.Update(ctx, task); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("orchestrator: persist call failure")
	}
}

func (s *Service) applyCreateResult(ctx context.Context, task *domain.Task, cfg *domain.ProviderConfig, result *providers.CreateResult) {
	if result.RequestParams != nil {
		task.ProcessingLog.RequestParams = result.RequestParams
	}
	task.ProcessingLog.OriginalResponse = result.RawResponse
	task.ProcessingLog.WarningMessage = result.Warning

	if !result.Success {
		task.Status = domain.TaskStatusFailed
		task.ErrorMessage = result.ErrorMessage
		if task.ErrorMessage == "" {
			task.ErrorMessage = domain.ErrProviderRejected.Error()
		}
		return
	}

	now := s.now()
	switch {
	case len(result.ImageData) > 0 || (result.ImageURL != "" && result.TaskID == ""):
		// Sync completion: the artifact is already here.
		data := result.ImageData
		mime := result.MIME
		if len(data) == 0 {
			fetched, err := s.resolver.ResolveBytes(ctx, []string{result.ImageURL})
			if err != nil || len(fetched) == 0 {
				task.Status = domain.TaskStatusFailed
				task.ErrorMessage = fmt.Sprintf("download sync result: %v", err)
				return
			}
			data = fetched[0].Data
			mime = fetched[0].MIME
		}
		key, err := s.store.SaveFinalWork(ctx, fmt.Sprintf("%d", task.ID), images.ExtForMIME(mime, result.ImageURL), data)
		if err != nil {
			task.Status = domain.TaskStatusFailed
			task.ErrorMessage = fmt.Sprintf("save sync result: %v", err)
			return
		}
		if thumb, err := s.store.SaveThumbnail(ctx, key, data); err == nil {
			task.ThumbnailPath = thumb
		}
		task.OutputImagePath = key
		task.Status = domain.TaskStatusCompleted
		task.StartedAt = &now
		task.CompletedAt = &now
	default:
		// Async acceptance: record the provider id redundantly so polling
		// survives a partial write of any one field.
		task.ProviderTaskID = result.TaskID
		task.Notes = domain.SetNotesTaskID(task.Notes, result.TaskID)
		task.ProcessingLog.APITaskID = result.TaskID
		task.Status = domain.TaskStatusProcessing
		task.StartedAt = &now
	}
}

// promoteOrder advances the parent order into ai_processing. Advisory only;
// failures are logged and swallowed.
func (s *Service) promoteOrder(ctx context.Context, orderID int64) {
	if orderID <= 0 || s.orders == nil {
		return
	}
	if err := s.orders.AdvanceStatus(ctx, orderID, domain.PromotableToAIProcessing, domain.OrderStatusAIProcessing); err != nil {
		s.logger.Warn().Err(err).Int64("order_id", orderID).Msg("orchestrator: order promotion failed")
	}
}

// isConnectionError recognizes transport-level failures as opposed to
// protocol errors the adapter already classified.
func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"eof",
		"proxyconnect",
		"timeout",
		"no such host",
		"remote disconnected",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
