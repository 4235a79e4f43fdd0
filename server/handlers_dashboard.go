package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Citiga/BetterRaid/telemetry"
)

// HandleDashboard returns the latest reconciled view with its grid.
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Dashboard.View())
}

// HandleDashboardAction invokes the handler bound to an element of the
// current grid. Ids from earlier grids are gone and yield 404.
func (h *Handlers) HandleDashboardAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Arg string `json:"arg"`
	}
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := h.deps.Actions.Invoke(r.Context(), id, body.Arg); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Debug("dashboard action failed", slog.String("action", id), slog.Any("err", err))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDashboardEvents streams every reconciled view as Server-Sent Events.
func (h *Handlers) HandleDashboardEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	views, cancel := h.deps.Dashboard.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(h.sseKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case v, ok := <-views:
			if !ok {
				return
			}
			data, err := json.Marshal(v)
			if err != nil {
				slog.Warn("failed to encode dashboard view", slog.Any("err", err))
				continue
			}
			if _, err := w.Write([]byte("event: view\ndata: ")); err != nil {
				slog.Warn("failed to write SSE data prefix", slog.Any("err", err))
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				slog.Warn("failed to write SSE newline", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}
