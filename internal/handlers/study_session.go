package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/services"
)

type StudySessionHandler struct {
	sessions *services.StudySessionService
}

func NewStudySessionHandler(sessions *services.StudySessionService) *StudySessionHandler {
	return &StudySessionHandler{sessions: sessions}
}

func (h *StudySessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID *string `json:"room_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RoomID != nil && *req.RoomID == "" {
		req.RoomID = nil
	}

	session, err := h.sessions.Start(r.Context(), middleware.GetUsername(r.Context()), req.RoomID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": session})
}

func (h *StudySessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Heartbeat(r.Context(), chi.URLParam(r, "id"), middleware.GetUsername(r.Context())); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StudySessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Stop(r.Context(), chi.URLParam(r, "id"), middleware.GetUsername(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}
