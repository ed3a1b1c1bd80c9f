package lesson

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxGrade  = 10
	defaultListLimit = 50
	maxListLimit     = 200
)

type Options struct {
	// LateAfter > 0 turns promoting check-ins later than startedAt+LateAfter
	// into LATE.
	LateAfter time.Duration
	MaxGrade  int
	// MaxSessionDuration bounds how long a session may stay LIVE before
	// CloseOverdue ends it. Zero disables the timeout.
	MaxSessionDuration time.Duration
	Now                func() time.Time
}

// Service is the session lifecycle controller and the session state store
// front: every read and write of sessions and rosters goes through it.
type Service struct {
	repo      Repository
	directory Directory
	issuer    CredentialIssuer
	logger    *zap.Logger
	opts      Options
}

func NewService(repo Repository, directory Directory, issuer CredentialIssuer, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxGrade <= 0 {
		opts.MaxGrade = defaultMaxGrade
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:      repo,
		directory: directory,
		issuer:    issuer,
		logger:    logger.Named("lesson"),
		opts:      opts,
	}
}

func (s *Service) MaxGrade() int {
	return s.opts.MaxGrade
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// Schedule plans a session without opening it for check-ins.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (Session, error) {
	if req.ScheduledAt.IsZero() {
		return Session{}, NewValidationError(FieldError{Field: "scheduledAt", Error: "required"})
	}
	class, err := s.ownedClass(ctx, req.MentorID, req.ClassID, req.KruzhokID)
	if err != nil {
		return Session{}, err
	}
	now := s.now()
	scheduledAt := req.ScheduledAt.UTC()
	sess := Session{
		ID:          uuid.NewString(),
		MentorID:    req.MentorID,
		ClassID:     class.ID,
		KruzhokID:   class.KruzhokID,
		Title:       sessionTitle(req.Title, class),
		Status:      StatusScheduled,
		ScheduledAt: &scheduledAt,
		CreatedAt:   now,
	}
	sess, err = s.repo.CreateSession(ctx, sess, nil)
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	s.logger.Info("session scheduled",
		zap.String("session_id", sess.ID),
		zap.String("class_id", sess.ClassID),
		zap.Time("scheduled_at", scheduledAt))
	return sess, nil
}

// Start opens a session for check-ins. With a SessionID it starts that
// SCHEDULED session; otherwise it creates and starts a new one in one step.
// Either way every enrolled student gets an ABSENT row before the credential
// exists.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	var (
		sess Session
		err  error
	)
	if req.SessionID != "" {
		sess, err = s.startScheduled(ctx, req.MentorID, req.SessionID)
	} else {
		sess, err = s.startNew(ctx, req)
	}
	if err != nil {
		return StartResult{}, err
	}

	credential, err := s.issuer.Issue(ctx, IssueRequest{
		SessionID: sess.ID,
		MentorID:  sess.MentorID,
		ClassID:   sess.ClassID,
		KruzhokID: sess.KruzhokID,
		StartedAt: *sess.StartedAt,
	})
	if err != nil {
		// A LIVE session nobody can check into is useless; close it.
		if _, _, endErr := s.repo.EndSession(ctx, sess.ID, s.now(), EndReasonAborted); endErr != nil {
			s.logger.Error("aborting session after issue failure", zap.String("session_id", sess.ID), zap.Error(endErr))
		} else {
			sessionsEnded.WithLabelValues(string(EndReasonAborted)).Inc()
		}
		return StartResult{}, fmt.Errorf("issuing credential: %w", err)
	}

	sessionsStarted.Inc()
	s.logger.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("mentor_id", sess.MentorID),
		zap.String("class_id", sess.ClassID))

	return StartResult{
		SessionID:  sess.ID,
		Credential: credential.Value,
		StartedAt:  *sess.StartedAt,
		ServerTime: s.now(),
		ExpiresAt:  credential.ExpiresAt,
	}, nil
}

func (s *Service) startNew(ctx context.Context, req StartRequest) (Session, error) {
	class, err := s.ownedClass(ctx, req.MentorID, req.ClassID, req.KruzhokID)
	if err != nil {
		return Session{}, err
	}
	enrolled, err := s.directory.EnrolledStudents(ctx, class.ID)
	if err != nil {
		return Session{}, fmt.Errorf("loading enrolled students: %w", err)
	}
	now := s.now()
	startedAt := now
	sess := Session{
		ID:        uuid.NewString(),
		MentorID:  req.MentorID,
		ClassID:   class.ID,
		KruzhokID: class.KruzhokID,
		Title:     sessionTitle(req.Title, class),
		Status:    StatusLive,
		StartedAt: &startedAt,
		CreatedAt: now,
	}
	sess, err = s.repo.CreateSession(ctx, sess, enrolled)
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

func (s *Service) startScheduled(ctx context.Context, mentorID, sessionID string) (Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.MentorID != mentorID {
		return Session{}, ErrForbidden
	}
	if sess.Status != StatusScheduled {
		return Session{}, ErrInvalidTransition
	}
	enrolled, err := s.directory.EnrolledStudents(ctx, sess.ClassID)
	if err != nil {
		return Session{}, fmt.Errorf("loading enrolled students: %w", err)
	}
	return s.repo.StartSession(ctx, sess.ID, s.now(), enrolled)
}

// End closes a LIVE session on the mentor's request. Ending an ENDED
// session is a no-op.
func (s *Service) End(ctx context.Context, mentorID, sessionID string) (Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.MentorID != mentorID {
		return Session{}, ErrForbidden
	}
	return s.end(ctx, sess.ID, EndReasonMentor)
}

func (s *Service) end(ctx context.Context, sessionID string, reason EndReason) (Session, error) {
	sess, ended, err := s.repo.EndSession(ctx, sessionID, s.now(), reason)
	if err != nil {
		return Session{}, err
	}
	// The session row already rejects check-ins; the revoke only stops the
	// credential from resolving at all.
	if err := s.issuer.Revoke(ctx, sess.ID); err != nil {
		s.logger.Warn("revoking credential", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if ended {
		sessionsEnded.WithLabelValues(string(reason)).Inc()
		s.logger.Info("session ended",
			zap.String("session_id", sess.ID),
			zap.String("reason", string(reason)))
	}
	return sess, nil
}

// CloseOverdue ends every LIVE session older than MaxSessionDuration and
// returns how many it ended.
func (s *Service) CloseOverdue(ctx context.Context) (int, error) {
	if s.opts.MaxSessionDuration <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.opts.MaxSessionDuration)
	overdue, err := s.repo.ListSessions(ctx, SessionFilter{Status: StatusLive, StartedBefore: cutoff, Limit: maxListLimit})
	if err != nil {
		return 0, fmt.Errorf("listing overdue sessions: %w", err)
	}
	closed := 0
	for _, sess := range overdue {
		if _, err := s.end(ctx, sess.ID, EndReasonTimeout); err != nil {
			return closed, fmt.Errorf("ending session %s: %w", sess.ID, err)
		}
		closed++
	}
	return closed, nil
}

// GetState returns a full snapshot of the session roster. Only the owning
// mentor and admins may read it directly; students reach a session only
// through its credential.
func (s *Service) GetState(ctx context.Context, actor Actor, sessionID string) (State, error) {
	state, err := s.repo.GetState(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	if actor.Role != RoleAdmin && state.Session.MentorID != actor.UserID {
		return State{}, ErrForbidden
	}
	state.ServerTime = s.now()
	return state, nil
}

// CheckIn marks studentID as attending the session the credential belongs
// to. Expired credentials and ended sessions are hard rejections.
func (s *Service) CheckIn(ctx context.Context, credential, studentID string) (result CheckInResult, err error) {
	defer func() {
		checkIns.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			s.logger.Info("check-in rejected",
				zap.String("student_id", studentID),
				zap.String("reason", resultLabel(err)))
		}
	}()

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return CheckInResult{}, ErrInvalidCredential
	}
	if studentID == "" {
		return CheckInResult{}, NewValidationError(FieldError{Field: "studentId", Error: "required"})
	}
	grant, err := s.issuer.Resolve(ctx, credential)
	if err != nil {
		return CheckInResult{}, err
	}

	now := s.now()
	row, err := s.repo.MutateRow(ctx, grant.SessionID, studentID, now, func(sess Session, row RosterRow, _ bool) (RosterRow, error) {
		switch sess.Status {
		case StatusEnded:
			return row, ErrSessionEnded
		case StatusScheduled:
			return row, ErrSessionNotLive
		}
		var startedAt time.Time
		if sess.StartedAt != nil {
			startedAt = *sess.StartedAt
		}
		return ApplyCheckIn(row, startedAt, s.opts.LateAfter, now), nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return CheckInResult{}, ErrInvalidCredential
		}
		return CheckInResult{}, err
	}

	s.logger.Debug("check-in accepted",
		zap.String("session_id", grant.SessionID),
		zap.String("student_id", studentID),
		zap.String("attendance", string(row.Status)))
	return CheckInResult{
		Status:     "ok",
		SessionID:  grant.SessionID,
		Attendance: row.Status,
		MarkedAt:   row.MarkedAt,
	}, nil
}

// UpdateRecord applies a partial mentor edit to one student's row. The whole
// update is validated before anything is written.
func (s *Service) UpdateRecord(ctx context.Context, mentorID, sessionID, studentID string, update RecordUpdate) (row RosterRow, err error) {
	defer func() {
		recordUpdates.WithLabelValues(resultLabel(err)).Inc()
	}()

	if studentID == "" {
		return RosterRow{}, NewValidationError(FieldError{Field: "studentId", Error: "required"})
	}
	if err := update.Validate(s.opts.MaxGrade); err != nil {
		return RosterRow{}, err
	}

	now := s.now()
	row, err = s.repo.MutateRow(ctx, sessionID, studentID, now, func(sess Session, row RosterRow, _ bool) (RosterRow, error) {
		if sess.MentorID != mentorID {
			return row, ErrForbidden
		}
		switch sess.Status {
		case StatusEnded:
			return row, ErrSessionEnded
		case StatusScheduled:
			return row, ErrSessionNotLive
		}
		return ApplyUpdate(row, update, now), nil
	})
	if err != nil {
		if !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("record update failed",
				zap.String("session_id", sessionID),
				zap.String("student_id", studentID),
				zap.Error(err))
		}
		return RosterRow{}, err
	}
	return row, nil
}

// Credential returns the credential currently valid for a LIVE session.
func (s *Service) Credential(ctx context.Context, mentorID, sessionID string) (Credential, error) {
	sess, err := s.liveOwnedSession(ctx, mentorID, sessionID)
	if err != nil {
		return Credential{}, err
	}
	credential, err := s.issuer.Current(ctx, sess.ID)
	if err != nil {
		return Credential{}, err
	}
	credential.StartedAt = *sess.StartedAt
	credential.ServerTime = s.now()
	return credential, nil
}

// RotateCredential replaces the session credential. The previous value stops
// resolving immediately.
func (s *Service) RotateCredential(ctx context.Context, mentorID, sessionID string) (Credential, error) {
	sess, err := s.liveOwnedSession(ctx, mentorID, sessionID)
	if err != nil {
		return Credential{}, err
	}
	credential, err := s.issuer.Issue(ctx, IssueRequest{
		SessionID: sess.ID,
		MentorID:  sess.MentorID,
		ClassID:   sess.ClassID,
		KruzhokID: sess.KruzhokID,
		StartedAt: *sess.StartedAt,
	})
	if err != nil {
		return Credential{}, err
	}
	s.logger.Info("credential rotated", zap.String("session_id", sess.ID))
	credential.ServerTime = s.now()
	return credential, nil
}

func (s *Service) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return s.repo.ListSessions(ctx, filter)
}

func (s *Service) liveOwnedSession(ctx context.Context, mentorID, sessionID string) (Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.MentorID != mentorID {
		return Session{}, ErrForbidden
	}
	switch sess.Status {
	case StatusEnded:
		return Session{}, ErrSessionEnded
	case StatusScheduled:
		return Session{}, ErrSessionNotLive
	}
	return sess, nil
}

func (s *Service) ownedClass(ctx context.Context, mentorID, classID, kruzhokID string) (Class, error) {
	var fields []FieldError
	if classID == "" {
		fields = append(fields, FieldError{Field: "classId", Error: "required"})
	}
	if kruzhokID == "" {
		fields = append(fields, FieldError{Field: "kruzhokId", Error: "required"})
	}
	if len(fields) > 0 {
		return Class{}, NewValidationError(fields...)
	}
	class, err := s.directory.ResolveClass(ctx, classID, kruzhokID)
	if err != nil {
		return Class{}, err
	}
	if class.MentorID != mentorID {
		return Class{}, ErrForbidden
	}
	return class, nil
}

func sessionTitle(title string, class Class) string {
	if title = strings.TrimSpace(title); title != "" {
		return title
	}
	return class.Title
}
