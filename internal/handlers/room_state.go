package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/services"
)

type RoomStateHandler struct {
	state *services.RoomStateService
}

func NewRoomStateHandler(state *services.RoomStateService) *RoomStateHandler {
	return &RoomStateHandler{state: state}
}

func (h *RoomStateHandler) UpdateTimer(w http.ResponseWriter, r *http.Request) {
	var req services.TimerInput
	if !decodeJSON(w, r, &req) {
		return
	}

	timer, err := h.state.UpdateTimer(r.Context(), chi.URLParam(r, "id"), middleware.GetUsername(r.Context()), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"timer": timer})
}

func (h *RoomStateHandler) CreateNotepad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.state.CreateNotepad(r.Context(), chi.URLParam(r, "id"), middleware.GetUsername(r.Context()), req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"notepad": n})
}

func (h *RoomStateHandler) UpdateNotepad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.state.UpdateNotepad(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "nid"),
		middleware.GetUsername(r.Context()), req.Content)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notepad": n})
}

func (h *RoomStateHandler) ClaimNotepad(w http.ResponseWriter, r *http.Request) {
	n, err := h.state.ClaimNotepad(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "nid"), middleware.GetUsername(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notepad": n})
}

func (h *RoomStateHandler) RenameNotepad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.state.RenameNotepad(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "nid"),
		middleware.GetUsername(r.Context()), req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notepad": n})
}

func (h *RoomStateHandler) SetActiveNotepad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NotepadID string `json:"notepad_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NotepadID == "" {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"notepad_id": "Notepad ID is required"}, r))
		return
	}

	if err := h.state.SetActiveNotepad(r.Context(), chi.URLParam(r, "id"), req.NotepadID, middleware.GetUsername(r.Context())); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_notepad_id": req.NotepadID})
}

func (h *RoomStateHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsTyping bool `json:"is_typing"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.state.SetTyping(r.Context(), chi.URLParam(r, "id"), middleware.GetUsername(r.Context()), req.IsTyping); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
