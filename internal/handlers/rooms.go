package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/services"
)

type RoomHandler struct {
	rooms *services.RoomService
}

func NewRoomHandler(rooms *services.RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateRoomInput
	if !decodeJSON(w, r, &req) {
		return
	}

	room, err := h.rooms.CreateRoom(r.Context(), middleware.GetUsername(r.Context()), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"room": room})
}

func (h *RoomHandler) ListPublic(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.ListPublicRooms(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.GetRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"room": room})
}

func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passcode string `json:"passcode"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	room, err := h.rooms.JoinRoom(r.Context(), chi.URLParam(r, "id"), middleware.GetUsername(r.Context()), req.Passcode)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"room": room})
}

func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.LeaveRoom(r.Context(), chi.URLParam(r, "id"), middleware.GetUsername(r.Context())); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.DeleteRoom(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
