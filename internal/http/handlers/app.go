package handlers

import (
	"encoding/json"
	"net/http"

	"aigen/internal/domain"
	"aigen/internal/infra"
	"aigen/internal/orchestrator"
)

// App bundles the dependencies the HTTP handlers share.
type App struct {
	Service *orchestrator.Service
	Queue   *orchestrator.Queue
	Tasks   domain.TaskRepository
	Logger  infra.Logger
}

func NewApp(service *orchestrator.Service, queue *orchestrator.Queue, tasks domain.TaskRepository, logger infra.Logger) *App {
	return &App{Service: service, Queue: queue, Tasks: tasks, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}
