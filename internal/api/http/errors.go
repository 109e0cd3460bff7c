package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

type errorBody struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	SubmissionID string `json:"submission_id,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case exam.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, exam.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, exam.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, exam.ErrNotAvailable):
		return http.StatusForbidden, "not_available"
	case errors.Is(err, exam.ErrAlreadySubmitted):
		return http.StatusConflict, "already_submitted"
	case errors.Is(err, exam.ErrSessionClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, exam.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "validation"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
