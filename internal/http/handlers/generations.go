package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"aigen/internal/domain"
	"aigen/internal/middleware"
	"aigen/internal/orchestrator"
)

type generateRequest struct {
	StyleImageID int64               `json:"style_image_id"`
	Prompt       string              `json:"prompt"`
	Size         string              `json:"size"`
	AspectRatio  string              `json:"aspect_ratio"`
	Images       []string            `json:"images"`
	UploadConfig []domain.UploadSlot `json:"upload_config"`
	APIConfigID  int64               `json:"api_config_id"`
	OrderID      int64               `json:"order_id"`
	OrderNumber  string              `json:"order_number"`
	OrderImageID int64               `json:"order_image_id"`
	IsTest       bool                `json:"is_test"`
}

// Generate accepts a generation request. With a free queue slot the request
// is handed to the worker pool and acknowledged immediately; on a full queue
// it is dispatched inline so the caller still gets the created tasks.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.StyleImageID <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "style_image_id required")
		return
	}

	sub := orchestrator.SubmitRequest{
		StyleImageID: req.StyleImageID,
		Prompt:       req.Prompt,
		Size:         req.Size,
		AspectRatio:  req.AspectRatio,
		Images:       req.Images,
		UploadConfig: req.UploadConfig,
		APIConfigID:  req.APIConfigID,
		OrderID:      req.OrderID,
		OrderNumber:  req.OrderNumber,
		OrderImageID: req.OrderImageID,
		Locale:       middleware.LocaleFromContext(r.Context()),
		IsTest:       req.IsTest,
	}

	if a.Queue != nil && a.Queue.Enqueue(sub) {
		a.json(w, http.StatusAccepted, map[string]any{
			"status":      "queued",
			"queue_depth": a.Queue.Depth(),
		})
		return
	}

	tasks, err := a.Service.Submit(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTemplateMissing):
			a.error(w, http.StatusUnprocessableEntity, "template_missing", err.Error())
		case errors.Is(err, domain.ErrConfigMissing):
			a.error(w, http.StatusServiceUnavailable, "config_missing", err.Error())
		case errors.Is(err, domain.ErrImageResolution):
			a.error(w, http.StatusUnprocessableEntity, "image_resolution", err.Error())
		default:
			a.Logger.Error().Err(err).Msg("handlers: generation submit failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to submit generation")
		}
		return
	}

	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskView(t))
	}
	a.json(w, http.StatusCreated, map[string]any{"tasks": out})
}
