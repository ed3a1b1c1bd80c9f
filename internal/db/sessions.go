package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"semaphore/lessons/internal/lesson"
)

const (
	sessionColumns = `id, mentor_id, class_id, kruzhok_id, title, status, scheduled_at, started_at, ended_at, end_reason, created_at`
	rowColumns     = `student_id, status, grade, work_summary, is_enrolled, source, marked_at, checked_in_at`
)

// SessionRepository is the Postgres lesson.Repository. Row writes lock the
// session row FOR SHARE and the roster row FOR UPDATE, so writes to one row
// are serialised and never interleave with the session ending.
type SessionRepository struct {
	store *Store
}

var _ lesson.Repository = (*SessionRepository)(nil)

func NewSessionRepository(store *Store) *SessionRepository {
	return &SessionRepository{store: store}
}

func (r *SessionRepository) CreateSession(ctx context.Context, sess lesson.Session, enrolled []string) (lesson.Session, error) {
	id, err := parseUUID(sess.ID)
	if err != nil {
		return lesson.Session{}, fmt.Errorf("session id: %w", err)
	}
	var created lesson.Session
	err = r.store.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO lesson_sessions (id, mentor_id, class_id, kruzhok_id, title, status, scheduled_at, started_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+sessionColumns,
			id, sess.MentorID, sess.ClassID, sess.KruzhokID, sess.Title, string(sess.Status),
			pgTimePtr(sess.ScheduledAt), pgTimePtr(sess.StartedAt), pgTime(sess.CreatedAt))
		created, err = scanSession(row)
		if err != nil {
			return err
		}
		if created.Status == lesson.StatusLive {
			return seedRows(ctx, tx, id, enrolled, sess.CreatedAt)
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return lesson.Session{}, lesson.ErrInvalidTransition
		}
		return lesson.Session{}, err
	}
	return created, nil
}

func (r *SessionRepository) StartSession(ctx context.Context, sessionID string, startedAt time.Time, enrolled []string) (lesson.Session, error) {
	id, err := parseUUID(sessionID)
	if err != nil {
		return lesson.Session{}, lesson.ErrSessionNotFound
	}
	var started lesson.Session
	err = r.store.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM lesson_sessions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if current.Status != lesson.StatusScheduled {
			return lesson.ErrInvalidTransition
		}
		started, err = scanSession(tx.QueryRow(ctx, `
			UPDATE lesson_sessions SET status = 'live', started_at = $2
			WHERE id = $1
			RETURNING `+sessionColumns, id, pgTime(startedAt)))
		if err != nil {
			return err
		}
		return seedRows(ctx, tx, id, enrolled, startedAt)
	})
	if err != nil {
		return lesson.Session{}, err
	}
	return started, nil
}

func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (lesson.Session, error) {
	id, err := parseUUID(sessionID)
	if err != nil {
		return lesson.Session{}, lesson.ErrSessionNotFound
	}
	return scanSession(r.store.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM lesson_sessions WHERE id = $1`, id))
}

// GetState reads the session and all of its rows from one snapshot.
func (r *SessionRepository) GetState(ctx context.Context, sessionID string) (lesson.State, error) {
	id, err := parseUUID(sessionID)
	if err != nil {
		return lesson.State{}, lesson.ErrSessionNotFound
	}
	var state lesson.State
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err = r.store.WithTxOptions(ctx, opts, func(tx pgx.Tx) error {
		sess, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM lesson_sessions WHERE id = $1`, id))
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT `+rowColumns+` FROM roster_rows WHERE session_id = $1 ORDER BY position`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		state = lesson.State{Session: sess, Rows: make([]lesson.RosterRow, 0)}
		for rows.Next() {
			row, err := scanRow(rows)
			if err != nil {
				return err
			}
			state.Rows = append(state.Rows, row)
		}
		return rows.Err()
	})
	if err != nil {
		return lesson.State{}, err
	}
	return state, nil
}

func (r *SessionRepository) EndSession(ctx context.Context, sessionID string, endedAt time.Time, reason lesson.EndReason) (lesson.Session, bool, error) {
	id, err := parseUUID(sessionID)
	if err != nil {
		return lesson.Session{}, false, lesson.ErrSessionNotFound
	}
	var (
		out   lesson.Session
		ended bool
	)
	err = r.store.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM lesson_sessions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		switch current.Status {
		case lesson.StatusEnded:
			out = current
			return nil
		case lesson.StatusScheduled:
			return lesson.ErrInvalidTransition
		}
		out, err = scanSession(tx.QueryRow(ctx, `
			UPDATE lesson_sessions SET status = 'ended', ended_at = $2, end_reason = $3
			WHERE id = $1
			RETURNING `+sessionColumns, id, pgTime(endedAt), string(reason)))
		ended = err == nil
		return err
	})
	if err != nil {
		return lesson.Session{}, false, err
	}
	return out, ended, nil
}

func (r *SessionRepository) MutateRow(ctx context.Context, sessionID, studentID string, now time.Time, fn lesson.RowMutation) (lesson.RosterRow, error) {
	id, err := parseUUID(sessionID)
	if err != nil {
		return lesson.RosterRow{}, lesson.ErrSessionNotFound
	}
	var out lesson.RosterRow
	err = r.store.WithTx(ctx, func(tx pgx.Tx) error {
		sess, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM lesson_sessions WHERE id = $1 FOR SHARE`, id))
		if err != nil {
			return err
		}

		placeholder := lesson.NewRosterRow(studentID, false, now)
		row, err := scanRow(tx.QueryRow(ctx, `
			INSERT INTO roster_rows (session_id, student_id, status, is_enrolled, source, marked_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id, student_id) DO NOTHING
			RETURNING `+rowColumns,
			id, studentID, string(placeholder.Status), placeholder.IsEnrolled, string(placeholder.Source), pgTime(now)))
		created := err == nil
		if errors.Is(err, pgx.ErrNoRows) {
			row, err = scanRow(tx.QueryRow(ctx, `SELECT `+rowColumns+` FROM roster_rows WHERE session_id = $1 AND student_id = $2 FOR UPDATE`, id, studentID))
		}
		if err != nil {
			return err
		}

		next, err := fn(sess, row, created)
		if err != nil {
			return err
		}
		out, err = scanRow(tx.QueryRow(ctx, `
			UPDATE roster_rows
			SET status = $3, grade = $4, work_summary = $5, source = $6, marked_at = $7, checked_in_at = $8
			WHERE session_id = $1 AND student_id = $2
			RETURNING `+rowColumns,
			id, studentID, string(next.Status), pgInt(next.Grade), pgText(next.WorkSummary), string(next.Source),
			pgTime(next.MarkedAt), pgTimePtr(next.CheckedInAt)))
		return err
	})
	if err != nil {
		return lesson.RosterRow{}, err
	}
	return out, nil
}

func (r *SessionRepository) ListSessions(ctx context.Context, filter lesson.SessionFilter) ([]lesson.Session, error) {
	var (
		where []string
		args  []any
	)
	if filter.MentorID != "" {
		args = append(args, filter.MentorID)
		where = append(where, fmt.Sprintf("mentor_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.StartedBefore.IsZero() {
		args = append(args, pgTime(filter.StartedBefore))
		where = append(where, fmt.Sprintf("started_at < $%d", len(args)))
	}
	query := `SELECT ` + sessionColumns + ` FROM lesson_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY COALESCE(started_at, scheduled_at, created_at) DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]lesson.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// seedRows inserts one ABSENT row per enrolled student, in roster order.
func seedRows(ctx context.Context, tx pgx.Tx, sessionID pgtype.UUID, enrolled []string, now time.Time) error {
	seen := make(map[string]struct{}, len(enrolled))
	rows := make([][]any, 0, len(enrolled))
	for _, studentID := range enrolled {
		if _, dup := seen[studentID]; dup {
			continue
		}
		seen[studentID] = struct{}{}
		row := lesson.NewRosterRow(studentID, true, now)
		rows = append(rows, []any{sessionID, row.StudentID, string(row.Status), row.IsEnrolled, string(row.Source), pgTime(now)})
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"roster_rows"},
		[]string{"session_id", "student_id", "status", "is_enrolled", "source", "marked_at"},
		pgx.CopyFromRows(rows))
	return err
}

func scanSession(row pgx.Row) (lesson.Session, error) {
	var (
		sess                            lesson.Session
		id                              pgtype.UUID
		status                          string
		endReason                       pgtype.Text
		scheduledAt, startedAt, endedAt pgtype.Timestamptz
		createdAt                       pgtype.Timestamptz
	)
	err := row.Scan(&id, &sess.MentorID, &sess.ClassID, &sess.KruzhokID, &sess.Title, &status,
		&scheduledAt, &startedAt, &endedAt, &endReason, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return lesson.Session{}, lesson.ErrSessionNotFound
	}
	if err != nil {
		return lesson.Session{}, err
	}
	sess.ID = uuidString(id)
	sess.Status = lesson.SessionStatus(status)
	sess.ScheduledAt = timePtr(scheduledAt)
	sess.StartedAt = timePtr(startedAt)
	sess.EndedAt = timePtr(endedAt)
	sess.EndReason = lesson.EndReason(endReason.String)
	sess.CreatedAt = createdAt.Time.UTC()
	return sess, nil
}

// scanRow returns pgx.ErrNoRows unchanged; callers decide what a missing row
// means.
func scanRow(row pgx.Row) (lesson.RosterRow, error) {
	var (
		out         lesson.RosterRow
		status      string
		source      string
		grade       pgtype.Int4
		summary     pgtype.Text
		markedAt    pgtype.Timestamptz
		checkedInAt pgtype.Timestamptz
	)
	if err := row.Scan(&out.StudentID, &status, &grade, &summary, &out.IsEnrolled, &source, &markedAt, &checkedInAt); err != nil {
		return lesson.RosterRow{}, err
	}
	out.Status = lesson.Attendance(status)
	out.Source = lesson.RowSource(source)
	out.Grade = intPtr(grade)
	out.WorkSummary = textPtr(summary)
	out.MarkedAt = markedAt.Time.UTC()
	out.CheckedInAt = timePtr(checkedInAt)
	return out, nil
}
