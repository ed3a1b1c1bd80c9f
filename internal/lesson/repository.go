package lesson

import (
	"context"
	"time"
)

// RowMutation computes the new value of one roster row. It runs while the
// repository holds the session and the row, so it sees the session status
// exactly as it will be when the row is written. Returning an error discards
// the write, including the placeholder row handed in with created set.
type RowMutation func(sess Session, row RosterRow, created bool) (RosterRow, error)

// Repository is the single writer of session and roster state.
type Repository interface {
	// CreateSession stores sess. LIVE sessions get one ABSENT row per
	// enrolled student in the same atomic step.
	CreateSession(ctx context.Context, sess Session, enrolled []string) (Session, error)
	// StartSession moves a SCHEDULED session to LIVE and seeds its roster.
	StartSession(ctx context.Context, sessionID string, startedAt time.Time, enrolled []string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	GetState(ctx context.Context, sessionID string) (State, error)
	// EndSession moves a LIVE session to ENDED. Ending an ENDED session
	// returns it unchanged with ended=false.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time, reason EndReason) (sess Session, ended bool, err error)
	// MutateRow atomically reads, mutates and writes the (session, student)
	// row, creating a guest row when none exists yet.
	MutateRow(ctx context.Context, sessionID, studentID string, now time.Time, fn RowMutation) (RosterRow, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
}

// Directory resolves class rosters owned by the academics side.
type Directory interface {
	ResolveClass(ctx context.Context, classID, kruzhokID string) (Class, error)
	EnrolledStudents(ctx context.Context, classID string) ([]string, error)
}

// CredentialIssuer mints and resolves session credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context, req IssueRequest) (Credential, error)
	Resolve(ctx context.Context, token string) (Grant, error)
	Current(ctx context.Context, sessionID string) (Credential, error)
	Revoke(ctx context.Context, sessionID string) error
}
