package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if a.Queue != nil {
		resp["queue_depth"] = a.Queue.Depth()
	}
	a.json(w, http.StatusOK, resp)
}
