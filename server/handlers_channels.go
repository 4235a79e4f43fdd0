package server

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Citiga/BetterRaid/dashboard"
	"github.com/Citiga/BetterRaid/telemetry"
	"github.com/Citiga/BetterRaid/tracker"
)

// HandleChannelsList returns the visible, ordered channel list.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	entries := h.deps.Dashboard.View().Entries
	if entries == nil {
		entries = []dashboard.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleChannelAdd stores a new channel and starts tracking it.
func (h *Handlers) HandleChannelAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(body.Name)
	if err := h.deps.Commands.AddChannel(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

// HandleChannelRemove drops a channel.
func (h *Handlers) HandleChannelRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Commands.RemoveChannel(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRaid raids the named channel.
func (h *Handlers) HandleRaid(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.deps.Commands.Raid(r.Context(), name); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("raid request failed", slog.String("channel", name), slog.Any("err", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Channel    string     `json:"channel"`
		LastRaided *time.Time `json:"last_raided"`
	}{name, h.deps.Commands.LastRaided(name)})
}

// HandleRefresh triggers an immediate bulk refresh.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	h.deps.Commands.Refresh(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

// HandlePreferences updates the online-only and autosave toggles and the
// session filter. Omitted fields keep their value.
func (h *Handlers) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OnlyOnline *bool   `json:"only_online"`
		AutoSave   *bool   `json:"auto_save"`
		Filter     *string `json:"filter"`
	}
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.OnlyOnline != nil {
		h.deps.Commands.SetOnlyOnline(r.Context(), *body.OnlyOnline)
	}
	if body.AutoSave != nil {
		h.deps.Commands.SetAutoSave(r.Context(), *body.AutoSave)
	}
	if body.Filter != nil {
		h.deps.Dashboard.SetFilter(*body.Filter)
	}
	v := h.deps.Dashboard.View()
	resp := map[string]any{"only_online": v.OnlyOnline, "filter": v.Filter}
	// The reconciler applies changes asynchronously; echo what was requested.
	if body.OnlyOnline != nil {
		resp["only_online"] = *body.OnlyOnline
	}
	if body.Filter != nil {
		resp["filter"] = *body.Filter
	}
	if body.AutoSave != nil {
		resp["auto_save"] = *body.AutoSave
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSave persists the channel store explicitly.
func (h *Handlers) HandleSave(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Commands.Save(r.Context()); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("store save failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus reports per-channel engine state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Engine.Snapshot()
	out := struct {
		Initialized bool            `json:"initialized"`
		Version     uint64          `json:"version"`
		Channels    []tracker.Entry `json:"channels"`
	}{Channels: []tracker.Entry{}}
	if snap != nil {
		out.Initialized = snap.Initialized
		out.Version = snap.Version
		for _, e := range snap.Entries {
			out.Channels = append(out.Channels, e)
		}
	}
	slices.SortFunc(out.Channels, func(a, b tracker.Entry) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	writeJSON(w, http.StatusOK, out)
}
