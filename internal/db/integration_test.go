//go:build integration

package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"semaphore/lessons/internal/credential"
	"semaphore/lessons/internal/lesson"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("lessons"),
		postgres.WithUsername("lessons"),
		postgres.WithPassword("lessons"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := NewPool(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(pool, zap.NewNop()))
	// A second run is a no-op.
	require.NoError(t, Migrate(pool, zap.NewNop()))
	return NewStore(pool)
}

func TestPostgresLessonFlow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	directory := NewClassDirectory(store)
	require.NoError(t, directory.SaveClass(ctx, lesson.Class{
		ID: "class-1", KruzhokID: "robotics", MentorID: "mentor-1", Title: "Robotics A",
		Students: []string{"alice", "bob", "carol", "dave"},
	}))
	// dave leaves the class before the lesson.
	require.NoError(t, directory.SaveClass(ctx, lesson.Class{
		ID: "class-1", KruzhokID: "robotics", MentorID: "mentor-1", Title: "Robotics A",
		Students: []string{"alice", "bob", "carol"},
	}))

	enrolled, err := directory.EnrolledStudents(ctx, "class-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, enrolled)

	_, err = directory.ResolveClass(ctx, "class-1", "chess")
	assert.ErrorIs(t, err, lesson.ErrNotFound)

	repo := NewSessionRepository(store)
	issuer := credential.NewIssuer(directory, credential.NewMemoryRegistry(), nil, credential.Options{})
	svc := lesson.NewService(repo, directory, issuer, nil, lesson.Options{})

	res, err := svc.Start(ctx, lesson.StartRequest{MentorID: "mentor-1", ClassID: "class-1", KruzhokID: "robotics"})
	require.NoError(t, err)

	mentor := lesson.Actor{UserID: "mentor-1", Role: lesson.RoleMentor}
	state, err := svc.GetState(ctx, mentor, res.SessionID)
	require.NoError(t, err)
	require.Len(t, state.Rows, 3)
	for _, row := range state.Rows {
		assert.Equal(t, lesson.AttendanceAbsent, row.Status)
		assert.True(t, row.IsEnrolled)
	}

	_, err = svc.CheckIn(ctx, res.Credential, "alice")
	require.NoError(t, err)
	excused := lesson.AttendanceExcused
	grade := 4
	_, err = svc.UpdateRecord(ctx, "mentor-1", res.SessionID, "bob", lesson.RecordUpdate{Status: &excused, Grade: &grade})
	require.NoError(t, err)
	result, err := svc.CheckIn(ctx, res.Credential, "bob")
	require.NoError(t, err)
	assert.Equal(t, lesson.AttendanceExcused, result.Attendance)
	_, err = svc.CheckIn(ctx, res.Credential, "guest")
	require.NoError(t, err)

	state, err = svc.GetState(ctx, mentor, res.SessionID)
	require.NoError(t, err)
	require.Len(t, state.Rows, 4)
	alice, _ := state.Row("alice")
	assert.Equal(t, lesson.AttendancePresent, alice.Status)
	bob, _ := state.Row("bob")
	assert.Equal(t, lesson.AttendanceExcused, bob.Status)
	require.NotNil(t, bob.Grade)
	assert.Equal(t, 4, *bob.Grade)
	guest, _ := state.Row("guest")
	assert.False(t, guest.IsEnrolled)

	_, err = svc.End(ctx, "mentor-1", res.SessionID)
	require.NoError(t, err)
	_, err = svc.CheckIn(ctx, res.Credential, "carol")
	assert.Error(t, err)
	_, err = svc.UpdateRecord(ctx, "mentor-1", res.SessionID, "carol", lesson.RecordUpdate{Grade: &grade})
	assert.ErrorIs(t, err, lesson.ErrSessionEnded)

	sess, ended, err := repo.EndSession(ctx, res.SessionID, time.Now(), lesson.EndReasonMentor)
	require.NoError(t, err)
	assert.False(t, ended)
	assert.Equal(t, lesson.EndReasonMentor, sess.EndReason)
}

func TestPostgresRejectedMutationLeavesNoRow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	repo := NewSessionRepository(store)

	now := time.Now().UTC().Truncate(time.Microsecond)
	sess, err := repo.CreateSession(ctx, lesson.Session{
		ID: uuid.NewString(), MentorID: "m", ClassID: "c", KruzhokID: "k",
		Status: lesson.StatusLive, StartedAt: &now, CreatedAt: now,
	}, []string{"a"})
	require.NoError(t, err)

	_, err = repo.MutateRow(ctx, sess.ID, "stranger", now, func(lesson.Session, lesson.RosterRow, bool) (lesson.RosterRow, error) {
		return lesson.RosterRow{}, lesson.ErrForbidden
	})
	assert.ErrorIs(t, err, lesson.ErrForbidden)

	state, err := repo.GetState(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, state.Rows, 1)
	assert.Equal(t, "a", state.Rows[0].StudentID)

	_, err = repo.GetSession(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, lesson.ErrNotFound)
	_, err = repo.GetSession(ctx, uuid.NewString())
	assert.ErrorIs(t, err, lesson.ErrNotFound)
}

func TestPostgresConcurrentCheckIns(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	repo := NewSessionRepository(store)

	now := time.Now().UTC().Truncate(time.Microsecond)
	sess, err := repo.CreateSession(ctx, lesson.Session{
		ID: uuid.NewString(), MentorID: "m", ClassID: "c", KruzhokID: "k",
		Status: lesson.StatusLive, StartedAt: &now, CreatedAt: now,
	}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(studentID string) {
				defer wg.Done()
				_, err := repo.MutateRow(ctx, sess.ID, studentID, time.Now(), func(s lesson.Session, row lesson.RosterRow, _ bool) (lesson.RosterRow, error) {
					return lesson.ApplyCheckIn(row, *s.StartedAt, 0, time.Now()), nil
				})
				assert.NoError(t, err)
			}(fmt.Sprintf("student-%d", i))
		}
	}
	wg.Wait()

	state, err := repo.GetState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, state.Rows, 10)
	for _, row := range state.Rows {
		assert.Equal(t, lesson.AttendancePresent, row.Status)
	}

	live, err := repo.ListSessions(ctx, lesson.SessionFilter{Status: lesson.StatusLive, StartedBefore: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, sess.ID, live[0].ID)
}
