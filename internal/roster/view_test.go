package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/lessons/internal/lesson"
)

type fakeSource struct {
	mu        sync.Mutex
	state     lesson.State
	gets      int
	updateErr error
	// gate, when set, holds UpdateRecord until it is closed.
	gate chan struct{}
}

func newFakeSource(students ...string) *fakeSource {
	now := time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)
	state := lesson.State{Session: lesson.Session{ID: "s-1", Status: lesson.StatusLive}}
	for _, id := range students {
		state.Rows = append(state.Rows, lesson.NewRosterRow(id, true, now))
	}
	return &fakeSource{state: state}
}

func (f *fakeSource) GetState(ctx context.Context, sessionID string) (lesson.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return f.state.Clone(), nil
}

func (f *fakeSource) UpdateRecord(ctx context.Context, sessionID, studentID string, update lesson.RecordUpdate) (lesson.RosterRow, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return lesson.RosterRow{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return lesson.RosterRow{}, f.updateErr
	}
	for i, row := range f.state.Rows {
		if row.StudentID == studentID {
			f.state.Rows[i] = lesson.ApplyUpdate(row, update, time.Now())
			return f.state.Rows[i], nil
		}
	}
	return lesson.RosterRow{}, lesson.ErrNotFound
}

func (f *fakeSource) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeSource) setRow(studentID string, status lesson.Attendance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.state.Rows {
		if f.state.Rows[i].StudentID == studentID {
			f.state.Rows[i].Status = status
		}
	}
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Render(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) last() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func (r *recorder) status(studentID string) lesson.Attendance {
	snap, ok := r.last()
	if !ok {
		return ""
	}
	row, ok := snap.State.Row(studentID)
	if !ok {
		return ""
	}
	return row.Status
}

func startView(t *testing.T, source Source, interval time.Duration) (*View, *recorder, context.CancelFunc) {
	t.Helper()
	rec := &recorder{}
	view := New(source, "s-1", rec, Options{Interval: interval, RequestTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = view.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return view, rec, cancel
}

func excused() lesson.RecordUpdate {
	status := lesson.AttendanceExcused
	return lesson.RecordUpdate{Status: &status}
}

func TestViewPollsImmediatelyAndOnInterval(t *testing.T) {
	source := newFakeSource("alice", "bob")
	_, rec, _ := startView(t, source, 10*time.Millisecond)

	require.Eventually(t, func() bool { return rec.status("alice") == lesson.AttendanceAbsent }, time.Second, time.Millisecond)
	source.setRow("alice", lesson.AttendancePresent)
	require.Eventually(t, func() bool { return rec.status("alice") == lesson.AttendancePresent }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, source.getCount(), 2)
}

func TestEditIsShownBeforeServerAnswers(t *testing.T) {
	source := newFakeSource("alice", "bob")
	source.gate = make(chan struct{})
	view, rec, _ := startView(t, source, time.Hour)
	require.Eventually(t, func() bool { return rec.status("bob") == lesson.AttendanceAbsent }, time.Second, time.Millisecond)

	require.NoError(t, view.Edit(context.Background(), "bob", excused()))
	snap, _ := rec.last()
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, lesson.AttendanceExcused, rec.status("bob"))

	close(source.gate)
	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return snap.Pending == 0
	}, time.Second, time.Millisecond)
	// Success does not refetch; the optimistic value stays until the next poll.
	assert.Equal(t, 1, source.getCount())
	assert.Equal(t, lesson.AttendanceExcused, rec.status("bob"))
}

func TestFailedEditRevertsAndRefetches(t *testing.T) {
	source := newFakeSource("alice", "bob")
	source.updateErr = errors.New("connection reset")
	view, rec, _ := startView(t, source, time.Hour)
	require.Eventually(t, func() bool { return rec.status("bob") == lesson.AttendanceAbsent }, time.Second, time.Millisecond)

	require.NoError(t, view.Edit(context.Background(), "bob", excused()))

	select {
	case notice := <-view.Notices():
		assert.Equal(t, "bob", notice.StudentID)
		assert.EqualError(t, notice.Err, "connection reset")
	case <-time.After(time.Second):
		t.Fatal("expected a notice for the rejected edit")
	}
	require.Eventually(t, func() bool { return source.getCount() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return snap.Pending == 0 && rec.status("bob") == lesson.AttendanceAbsent
	}, time.Second, time.Millisecond)

	// The view is still usable after the failure.
	source.mu.Lock()
	source.updateErr = nil
	source.mu.Unlock()
	require.NoError(t, view.Edit(context.Background(), "alice", excused()))
	assert.Equal(t, lesson.AttendanceExcused, rec.status("alice"))
}

func TestStaleResponsesAreDropped(t *testing.T) {
	rec := &recorder{}
	view := New(newFakeSource(), "s-1", rec, Options{})
	loop := &viewLoop{View: view, ctx: context.Background()}

	newer := lesson.State{Rows: []lesson.RosterRow{{StudentID: "alice", Status: lesson.AttendancePresent}}}
	older := lesson.State{Rows: []lesson.RosterRow{{StudentID: "alice", Status: lesson.AttendanceAbsent}}}
	loop.applyFetch(fetchResult{seq: 2, state: newer})
	loop.applyFetch(fetchResult{seq: 1, state: older})
	assert.Equal(t, lesson.AttendancePresent, rec.status("alice"))

	loop.applyFetch(fetchResult{seq: 3, err: errors.New("timeout")})
	snap, _ := rec.last()
	assert.Error(t, snap.PollErr)
	assert.Equal(t, lesson.AttendancePresent, rec.status("alice"), "a failed poll keeps the last snapshot")
}

func TestPollReplacesSnapshotButKeepsInFlightEdits(t *testing.T) {
	rec := &recorder{}
	view := New(newFakeSource(), "s-1", rec, Options{})
	loop := &viewLoop{View: view, ctx: context.Background()}
	grade := 4
	loop.pending = []pendingEdit{{id: 1, studentID: "bob", update: lesson.RecordUpdate{Grade: &grade}}}

	loop.applyFetch(fetchResult{seq: 1, state: lesson.State{Rows: []lesson.RosterRow{
		{StudentID: "alice", Status: lesson.AttendancePresent},
		{StudentID: "bob", Status: lesson.AttendanceAbsent},
	}}})
	snap, _ := rec.last()
	require.Len(t, snap.State.Rows, 2)
	bob, _ := snap.State.Row("bob")
	require.NotNil(t, bob.Grade)
	assert.Equal(t, 4, *bob.Grade)
	assert.Nil(t, loop.server.Rows[1].Grade, "the server snapshot itself is never modified")
}

func TestEditAfterStop(t *testing.T) {
	view, _, cancel := startView(t, newFakeSource("alice"), time.Hour)
	cancel()
	require.Eventually(t, func() bool {
		return errors.Is(view.Edit(context.Background(), "alice", excused()), ErrStopped)
	}, time.Second, time.Millisecond)
}

func TestViewRunsOnce(t *testing.T) {
	view, rec, cancel := startView(t, newFakeSource("alice"), time.Hour)
	require.Eventually(t, func() bool { _, ok := rec.last(); return ok }, time.Second, time.Millisecond)
	assert.ErrorIs(t, view.Run(context.Background()), ErrStarted)

	cancel()
	require.Eventually(t, func() bool {
		return errors.Is(view.Edit(context.Background(), "alice", excused()), ErrStopped)
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, view.Run(context.Background()), ErrStarted)
}
