package http

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"semaphore/lessons/internal/lesson"
)

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []lesson.FieldError `json:"fields,omitempty"`
}

// writeServiceError maps domain errors onto status codes and the snake_case
// codes clients switch on.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *lesson.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Fields: verr.Fields})
	case errors.Is(err, lesson.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, lesson.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, lesson.ErrClassNotFound):
		writeError(w, http.StatusNotFound, "class_not_found")
	case errors.Is(err, lesson.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "credential_not_found")
	case errors.Is(err, lesson.ErrInvalidCredential):
		writeError(w, http.StatusBadRequest, "invalid_credential")
	case errors.Is(err, lesson.ErrCredentialExpired):
		writeError(w, http.StatusGone, "credential_expired")
	case errors.Is(err, lesson.ErrSessionEnded):
		writeError(w, http.StatusGone, "session_ended")
	case errors.Is(err, lesson.ErrSessionNotLive):
		writeError(w, http.StatusConflict, "session_not_live")
	case errors.Is(err, lesson.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}
