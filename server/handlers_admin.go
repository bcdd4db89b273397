package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chatdeck/bot"
	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/dispatch"
)

type componentInfo struct {
	ID string `json:"id"`
	component.Metadata
	Active bool `json:"active"`
}

type componentsResponse struct {
	Active    []string        `json:"active"`
	Available []componentInfo `json:"available"`
}

// HandleComponentsList returns the catalog and the active component ids.
func (h *Handlers) HandleComponentsList(w http.ResponseWriter, r *http.Request) {
	active, err := h.session.Components(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	on := make(map[string]bool, len(active))
	for _, id := range active {
		on[id] = true
	}
	resp := componentsResponse{Active: active, Available: []componentInfo{}}
	for _, reg := range h.session.Catalog().List() {
		resp.Available = append(resp.Available, componentInfo{ID: reg.ID, Metadata: reg.Metadata, Active: on[reg.ID]})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleComponentAdd activates the component named by the path.
func (h *Handlers) HandleComponentAdd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.session.AddComponent(r.Context(), id); err != nil {
		h.writeComponentError(w, id, err)
		return
	}
	h.log.Info("component added", slog.String("component_id", id))
	h.writeActive(w, r)
}

// HandleComponentRemove deactivates the component named by the path.
func (h *Handlers) HandleComponentRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.session.RemoveComponent(r.Context(), id); err != nil {
		h.writeComponentError(w, id, err)
		return
	}
	h.log.Info("component removed", slog.String("component_id", id))
	h.writeActive(w, r)
}

func (h *Handlers) writeActive(w http.ResponseWriter, r *http.Request) {
	active, err := h.session.Components(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active": active})
}

func (h *Handlers) writeComponentError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, bot.ErrUnknownComponent), errors.Is(err, dispatch.ErrNotActive):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrComponentStartup):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.Error("component change failed", slog.String("component_id", id), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandleSessionRestart stops and starts the bot session and returns its status.
func (h *Handlers) HandleSessionRestart(w http.ResponseWriter, r *http.Request) {
	err := h.session.Restart(r.Context())
	switch {
	case errors.Is(err, bot.ErrNeedsCredentials):
		writeJSON(w, http.StatusConflict, h.session.Status())
		return
	case err != nil:
		h.log.Error("session restart failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.session.Status())
}
