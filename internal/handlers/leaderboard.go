package handlers

import (
	"net/http"
	"time"

	"studysync-backend/internal/services"
)

type LeaderboardHandler struct {
	board *services.LeaderboardService
}

func NewLeaderboardHandler(board *services.LeaderboardService) *LeaderboardHandler {
	return &LeaderboardHandler{board: board}
}

func (h *LeaderboardHandler) Weekly(w http.ResponseWriter, r *http.Request) {
	entries, err := h.board.Weekly(r.Context(), time.Time{})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *LeaderboardHandler) AllTime(w http.ResponseWriter, r *http.Request) {
	entries, err := h.board.AllTime(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
