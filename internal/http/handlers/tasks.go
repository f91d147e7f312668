package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"aigen/internal/domain"
)

type taskView struct {
	ID                      int64                `json:"id"`
	OrderID                 int64                `json:"order_id,omitempty"`
	OrderNumber             string               `json:"order_number,omitempty"`
	OrderImageID            int64                `json:"order_image_id,omitempty"`
	StyleImageID            int64                `json:"style_image_id"`
	APIConfigID             int64                `json:"api_config_id"`
	Status                  domain.TaskStatus    `json:"status"`
	ProviderTaskID          string               `json:"provider_task_id,omitempty"`
	OutputImagePath         string               `json:"output_image_path,omitempty"`
	ThumbnailPath           string               `json:"thumbnail_path,omitempty"`
	ErrorMessage            string               `json:"error_message,omitempty"`
	Notes                   string               `json:"notes,omitempty"`
	RetryCount              int                  `json:"retry_count"`
	IsTest                  bool                 `json:"is_test,omitempty"`
	ProcessingLog           domain.ProcessingLog `json:"processing_log"`
	CreatedAt               time.Time            `json:"created_at"`
	StartedAt               *time.Time           `json:"started_at,omitempty"`
	CompletedAt             *time.Time           `json:"completed_at,omitempty"`
	EstimatedCompletionTime *time.Time           `json:"estimated_completion_time,omitempty"`
}

func newTaskView(t *domain.Task) taskView {
	return taskView{
		ID:                      t.ID,
		OrderID:                 t.OrderID,
		OrderNumber:             t.OrderNumber,
		OrderImageID:            t.OrderImageID,
		StyleImageID:            t.StyleImageID,
		APIConfigID:             t.APIConfigID,
		Status:                  t.Status,
		ProviderTaskID:          t.PollTaskID(),
		OutputImagePath:         t.OutputImagePath,
		ThumbnailPath:           t.ThumbnailPath,
		ErrorMessage:            t.ErrorMessage,
		Notes:                   t.Notes,
		RetryCount:              t.RetryCount,
		IsTest:                  t.IsTest,
		ProcessingLog:           t.ProcessingLog,
		CreatedAt:               t.CreatedAt,
		StartedAt:               t.StartedAt,
		CompletedAt:             t.CompletedAt,
		EstimatedCompletionTime: t.EstimatedCompletionTime,
	}
}

// TaskStatus returns one task by id.
func (a *App) TaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "task id required")
		return
	}
	task, err := a.Tasks.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		a.Logger.Error().Err(err).Int64("task_id", id).Msg("handlers: load task failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load task")
		return
	}
	a.json(w, http.StatusOK, newTaskView(task))
}

// TasksByOrder lists every task of one order.
func (a *App) TasksByOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(r.URL.Query().Get("order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "order_id required")
		return
	}
	tasks, err := a.Tasks.ListByOrder(r.Context(), orderID)
	if err != nil {
		a.Logger.Error().Err(err).Int64("order_id", orderID).Msg("handlers: list tasks failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list tasks")
		return
	}
	out := make([]taskView, 0, len(tasks))
	for i := range tasks {
		out = append(out, newTaskView(&tasks[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"tasks": out})
}
