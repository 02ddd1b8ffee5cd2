package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/services"
)

type ChatHandler struct {
	chat *services.ChatService
}

func NewChatHandler(chat *services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// List returns the latest messages, or older ones when before is given.
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", services.DefaultRecentLimit)

	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "before must be a positive sequence number", r))
			return
		}
		before = n
	}

	var (
		msgs interface{}
		err  error
	)
	if before > 0 {
		msgs, err = h.chat.History(r.Context(), roomID, before, limit)
	} else {
		msgs, err = h.chat.Recent(r.Context(), roomID, limit)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     string  `json:"text"`
		ImageURL *string `json:"image_url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := h.chat.Send(r.Context(), chi.URLParam(r, "id"), middleware.GetUsername(r.Context()), req.Text, req.ImageURL)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

func (h *ChatHandler) React(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	reactions, err := h.chat.React(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"),
		req.Emoji, middleware.GetUsername(r.Context()))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reactions": reactions})
}
