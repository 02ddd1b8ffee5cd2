package handlers

import (
	"net/http"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/models"
	"studysync-backend/internal/services"
)

type PresenceHandler struct {
	presence *services.PresenceService
}

func NewPresenceHandler(presence *services.PresenceService) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

func (h *PresenceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StatusText string `json:"status_text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.presence.Register(r.Context(), middleware.GetUsername(r.Context()), req.StatusText)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"presence":                   p,
		"heartbeat_interval_seconds": int(h.presence.HeartbeatInterval().Seconds()),
	})
}

func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.presence.Heartbeat(r.Context(), middleware.GetUsername(r.Context())); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StatusText string `json:"status_text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	username := middleware.GetUsername(r.Context())
	applied, err := h.presence.SetStatus(r.Context(), username, username, req.StatusText)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (h *PresenceHandler) SetActivity(w http.ResponseWriter, r *http.Request) {
	var patch models.PresencePatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	username := middleware.GetUsername(r.Context())
	applied, err := h.presence.SetActivity(r.Context(), username, username, patch)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.presence.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"studying":     list.Studying,
		"idle":         list.Idle,
		"online_count": list.OnlineCount(),
		"at":           list.At,
	})
}

func (h *PresenceHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	if err := h.presence.Deregister(r.Context(), middleware.GetUsername(r.Context())); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
