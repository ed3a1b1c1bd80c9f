package http

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"semaphore/lessons/internal/credential"
	"semaphore/lessons/internal/lesson"
)

type scheduleSessionRequest struct {
	ClassID     string    `json:"classId" validate:"required,notblank,max=128"`
	KruzhokID   string    `json:"kruzhokId" validate:"required,notblank,max=128"`
	Title       string    `json:"title" validate:"max=200"`
	ScheduledAt time.Time `json:"scheduledAt" validate:"required"`
}

type startSessionRequest struct {
	SessionID string `json:"sessionId" validate:"omitempty,uuid"`
	ClassID   string `json:"classId" validate:"required_without=SessionID,max=128"`
	KruzhokID string `json:"kruzhokId" validate:"required_without=SessionID,max=128"`
	Title     string `json:"title" validate:"max=200"`
}

type checkInRequest struct {
	Credential string `json:"credential" validate:"required,notblank,max=512"`
	StudentID  string `json:"studentId" validate:"max=128"`
}

type updateRecordRequest struct {
	SessionID   string  `json:"sessionId" validate:"required,uuid"`
	StudentID   string  `json:"studentId" validate:"required,notblank,max=128"`
	Status      *string `json:"status"`
	Grade       *int    `json:"grade"`
	WorkSummary *string `json:"workSummary"`
}

type updateRecordResponse struct {
	OK  bool             `json:"ok"`
	Row lesson.RosterRow `json:"row"`
}

func (s *Server) handleScheduleSession(w http.ResponseWriter, r *http.Request) {
	var req scheduleSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	sess, err := s.lessons.Schedule(r.Context(), lesson.ScheduleRequest{
		MentorID:    actorFromContext(r.Context()).UserID,
		ClassID:     req.ClassID,
		KruzhokID:   req.KruzhokID,
		Title:       req.Title,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.lessons.Start(r.Context(), lesson.StartRequest{
		MentorID:  actorFromContext(r.Context()).UserID,
		SessionID: req.SessionID,
		ClassID:   req.ClassID,
		KruzhokID: req.KruzhokID,
		Title:     req.Title,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	state, err := s.lessons.GetState(r.Context(), actorFromContext(r.Context()), sessionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	cred, err := s.lessons.Credential(r.Context(), actorFromContext(r.Context()).UserID, sessionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeCredential(w, r, cred)
}

func (s *Server) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	cred, err := s.lessons.RotateCredential(r.Context(), actorFromContext(r.Context()).UserID, sessionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeCredential(w, r, cred)
}

func (s *Server) writeCredential(w http.ResponseWriter, r *http.Request, cred lesson.Credential) {
	w.Header().Set("Cache-Control", "no-store")
	if r.URL.Query().Get("format") != "png" {
		writeJSON(w, http.StatusOK, cred)
		return
	}
	png, err := credential.RenderPNG(cred.Value, s.cfg.QRSize)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("writing credential image", zap.Error(err))
	}
}

// handleCheckIn binds the scan to the authenticated student. A studentId in
// the body is only a hint and must name the caller.
func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	studentID := actorFromContext(r.Context()).UserID
	if req.StudentID != "" && req.StudentID != studentID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	result, err := s.lessons.CheckIn(r.Context(), req.Credential, studentID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req updateRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	update := lesson.RecordUpdate{Grade: req.Grade, WorkSummary: req.WorkSummary}
	if req.Status != nil {
		status, err := lesson.ParseAttendance(*req.Status)
		if err != nil {
			s.writeServiceError(w, r, lesson.NewValidationError(lesson.FieldError{
				Field: "status",
				Error: "must be one of present, absent, late, excused",
			}))
			return
		}
		update.Status = &status
	}
	row, err := s.lessons.UpdateRecord(r.Context(), actorFromContext(r.Context()).UserID, req.SessionID, req.StudentID, update)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateRecordResponse{OK: true, Row: row})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	sess, err := s.lessons.End(r.Context(), actorFromContext(r.Context()).UserID, sessionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleListSessions lists the caller's sessions. Admins may list any
// mentor's sessions with ?mentorId=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	filter := lesson.SessionFilter{MentorID: actor.UserID, Limit: parseLimit(r, 50)}
	if actor.Role == lesson.RoleAdmin {
		filter.MentorID = r.URL.Query().Get("mentorId")
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := lesson.ParseSessionStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}
	sessions, err := s.lessons.ListSessions(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
