// Package roster keeps a mentor's live view of one session. The view polls
// the full state on a fixed interval and applies edits optimistically; the
// next poll, or an immediate refetch after a failed edit, reconciles it with
// the server.
package roster

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"semaphore/lessons/internal/lesson"
)

const DefaultInterval = 5 * time.Second

var (
	ErrStopped = errors.New("roster: view is not running")
	ErrStarted = errors.New("roster: view was already started")
)

type Source interface {
	GetState(ctx context.Context, sessionID string) (lesson.State, error)
	UpdateRecord(ctx context.Context, sessionID, studentID string, update lesson.RecordUpdate) (lesson.RosterRow, error)
}

// Snapshot is what the view displays.
type Snapshot struct {
	State lesson.State
	// Pending counts edits sent but not yet answered.
	Pending int
	// Synced is when the last server snapshot was applied; zero until the
	// first poll succeeds.
	Synced time.Time
	// PollErr is the error of the most recent poll, if it failed.
	PollErr error
}

type Renderer interface {
	Render(Snapshot)
}

type RendererFunc func(Snapshot)

func (f RendererFunc) Render(s Snapshot) { f(s) }

// Notice reports a rejected edit. The view stays usable.
type Notice struct {
	StudentID string
	Update    lesson.RecordUpdate
	Err       error
}

type Options struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

type View struct {
	source    Source
	sessionID string
	renderer  Renderer
	opts      Options
	logger    *zap.Logger

	started atomic.Bool
	edits   chan editRequest
	notices chan Notice
	done    chan struct{}
}

type editRequest struct {
	studentID string
	update    lesson.RecordUpdate
	accepted  chan struct{}
}

type fetchResult struct {
	seq   uint64
	state lesson.State
	err   error
}

type editResult struct {
	id  uint64
	err error
}

type pendingEdit struct {
	id        uint64
	studentID string
	update    lesson.RecordUpdate
	at        time.Time
}

func New(source Source, sessionID string, renderer Renderer, opts Options) *View {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = opts.Interval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{
		source:    source,
		sessionID: sessionID,
		renderer:  renderer,
		opts:      opts,
		logger:    logger.Named("roster").With(zap.String("session_id", sessionID)),
		edits:     make(chan editRequest),
		notices:   make(chan Notice, 16),
		done:      make(chan struct{}),
	}
}

// Notices delivers rejected edits. Notices are dropped when nobody reads
// them fast enough.
func (v *View) Notices() <-chan Notice {
	return v.notices
}

// Edit applies update to the displayed row at once and sends it to the
// server in the background. It returns when the view has taken the edit.
func (v *View) Edit(ctx context.Context, studentID string, update lesson.RecordUpdate) error {
	req := editRequest{studentID: studentID, update: update, accepted: make(chan struct{})}
	select {
	case v.edits <- req:
	case <-v.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.accepted:
		return nil
	case <-v.done:
		return ErrStopped
	}
}

// Run polls immediately and then on every interval until ctx is done. All
// view state is owned by this loop. A view runs once; later calls return
// ErrStarted.
func (v *View) Run(ctx context.Context) error {
	if !v.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer close(v.done)
	loop := &viewLoop{
		View:    v,
		ctx:     ctx,
		fetched: make(chan fetchResult),
		edited:  make(chan editResult),
	}
	loop.fetch()

	ticker := time.NewTicker(v.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			loop.fetch()
		case res := <-loop.fetched:
			loop.applyFetch(res)
		case req := <-v.edits:
			loop.startEdit(req)
			close(req.accepted)
		case res := <-loop.edited:
			loop.finishEdit(res)
		}
	}
}

type viewLoop struct {
	*View
	ctx     context.Context
	fetched chan fetchResult
	edited  chan editResult

	server   lesson.State
	synced   time.Time
	shown    lesson.State
	pollErr  error
	pending  []pendingEdit
	seq      uint64
	applied  uint64
	nextEdit uint64
}

func (l *viewLoop) fetch() {
	l.seq++
	seq := l.seq
	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, l.opts.RequestTimeout)
		state, err := l.source.GetState(ctx, l.sessionID)
		cancel()
		select {
		case l.fetched <- fetchResult{seq: seq, state: state, err: err}:
		case <-l.ctx.Done():
		}
	}()
}

// applyFetch replaces the snapshot wholesale. Responses older than the one
// already applied are dropped.
func (l *viewLoop) applyFetch(res fetchResult) {
	if res.seq <= l.applied {
		return
	}
	l.applied = res.seq
	if res.err != nil {
		l.pollErr = res.err
		l.logger.Debug("poll failed", zap.Error(res.err))
		l.render()
		return
	}
	l.pollErr = nil
	l.server = res.state.Clone()
	l.synced = l.opts.Now()
	l.rebuild()
}

func (l *viewLoop) startEdit(req editRequest) {
	l.nextEdit++
	edit := pendingEdit{id: l.nextEdit, studentID: req.studentID, update: req.update, at: l.opts.Now()}
	l.pending = append(l.pending, edit)
	l.shown = applyEdit(l.shown, edit)
	l.render()

	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, l.opts.RequestTimeout)
		_, err := l.source.UpdateRecord(ctx, l.sessionID, edit.studentID, edit.update)
		cancel()
		select {
		case l.edited <- editResult{id: edit.id, err: err}:
		case <-l.ctx.Done():
		}
	}()
}

// finishEdit does nothing more on success: the next poll is authoritative.
// A failed edit is dropped from the display and the state refetched.
func (l *viewLoop) finishEdit(res editResult) {
	var failed pendingEdit
	kept := l.pending[:0]
	for _, edit := range l.pending {
		if edit.id == res.id {
			failed = edit
			continue
		}
		kept = append(kept, edit)
	}
	l.pending = kept
	if res.err == nil {
		l.render()
		return
	}

	l.logger.Info("edit rejected", zap.String("student_id", failed.studentID), zap.Error(res.err))
	select {
	case l.notices <- Notice{StudentID: failed.studentID, Update: failed.update, Err: res.err}:
	default:
	}
	l.rebuild()
	l.fetch()
}

// rebuild derives the displayed state from the last server snapshot plus
// the edits still in flight.
func (l *viewLoop) rebuild() {
	shown := l.server.Clone()
	for _, edit := range l.pending {
		shown = applyEdit(shown, edit)
	}
	l.shown = shown
	l.render()
}

func (l *viewLoop) render() {
	if l.renderer == nil {
		return
	}
	l.renderer.Render(Snapshot{
		State:   l.shown.Clone(),
		Pending: len(l.pending),
		Synced:  l.synced,
		PollErr: l.pollErr,
	})
}

// applyEdit is the optimistic delta: the same row update the server applies,
// on a copy of state.
func applyEdit(state lesson.State, edit pendingEdit) lesson.State {
	out := state.Clone()
	for i, row := range out.Rows {
		if row.StudentID == edit.studentID {
			out.Rows[i] = lesson.ApplyUpdate(row, edit.update, edit.at)
			return out
		}
	}
	row := lesson.NewRosterRow(edit.studentID, false, edit.at)
	out.Rows = append(out.Rows, lesson.ApplyUpdate(row, edit.update, edit.at))
	return out
}
