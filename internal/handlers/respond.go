package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/models"
	"studysync-backend/internal/services"
)

const maxBodyBytes = 128 * 1024

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			Fields:    fields,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	}
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
	return false
}

// StatusFor maps a service error onto its HTTP status and error code.
func StatusFor(err error) (int, string) {
	var (
		validation   *services.ValidationError
		conflict     *services.ConflictError
		notFound     *services.NotFoundError
		unauthorized *services.UnauthorizedError
		forbidden    *services.ForbiddenError
		rateLimit    *services.RateLimitError
		transient    *services.TransientError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.As(err, &conflict):
		if conflict.Code != "" {
			return http.StatusConflict, conflict.Code
		}
		return http.StatusConflict, "CONFLICT"
	case errors.As(err, &notFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.As(err, &forbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.As(err, &rateLimit):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.As(err, &transient):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)

	var validation *services.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, status, errorRespWithFields(code, "Validation failed", validation.Fields, r))
	case status == http.StatusServiceUnavailable:
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, errorResp(code, "Service temporarily unavailable, please retry", r))
	case status == http.StatusInternalServerError:
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, errorResp(code, "An unexpected error occurred", r))
	default:
		writeJSON(w, status, errorResp(code, err.Error(), r))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
