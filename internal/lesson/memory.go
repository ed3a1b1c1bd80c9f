package lesson

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps sessions in process memory. Writes to one session
// are serialised by that session's lock; different sessions proceed in
// parallel.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu      sync.Mutex
	session Session
	rows    map[string]RosterRow
	order   []string
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*memorySession)}
}

func (r *MemoryRepository) CreateSession(_ context.Context, sess Session, enrolled []string) (Session, error) {
	entry := &memorySession{session: sess, rows: make(map[string]RosterRow)}
	if sess.Status == StatusLive {
		entry.seed(enrolled, sess.CreatedAt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.ID]; exists {
		return Session{}, ErrInvalidTransition
	}
	r.sessions[sess.ID] = entry
	return sess, nil
}

func (r *MemoryRepository) StartSession(_ context.Context, sessionID string, startedAt time.Time, enrolled []string) (Session, error) {
	entry, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session.Status != StatusScheduled {
		return Session{}, ErrInvalidTransition
	}
	at := startedAt
	entry.session.Status = StatusLive
	entry.session.StartedAt = &at
	entry.seed(enrolled, startedAt)
	return entry.session, nil
}

func (r *MemoryRepository) GetSession(_ context.Context, sessionID string) (Session, error) {
	entry, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session, nil
}

func (r *MemoryRepository) GetState(_ context.Context, sessionID string) (State, error) {
	entry, err := r.lookup(sessionID)
	if err != nil {
		return State{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	state := State{Session: entry.session, Rows: make([]RosterRow, 0, len(entry.order))}
	for _, studentID := range entry.order {
		state.Rows = append(state.Rows, entry.rows[studentID].Clone())
	}
	return state, nil
}

func (r *MemoryRepository) EndSession(_ context.Context, sessionID string, endedAt time.Time, reason EndReason) (Session, bool, error) {
	entry, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, false, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.session.Status {
	case StatusEnded:
		return entry.session, false, nil
	case StatusLive:
		at := endedAt
		entry.session.Status = StatusEnded
		entry.session.EndedAt = &at
		entry.session.EndReason = reason
		return entry.session, true, nil
	default:
		return Session{}, false, ErrInvalidTransition
	}
}

func (r *MemoryRepository) MutateRow(_ context.Context, sessionID, studentID string, now time.Time, fn RowMutation) (RosterRow, error) {
	entry, err := r.lookup(sessionID)
	if err != nil {
		return RosterRow{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	row, exists := entry.rows[studentID]
	if !exists {
		row = NewRosterRow(studentID, false, now)
	}
	next, err := fn(entry.session, row.Clone(), !exists)
	if err != nil {
		return RosterRow{}, err
	}
	next.StudentID = studentID
	if !exists {
		entry.order = append(entry.order, studentID)
	}
	entry.rows[studentID] = next.Clone()
	return next, nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, filter SessionFilter) ([]Session, error) {
	r.mu.RLock()
	entries := make([]*memorySession, 0, len(r.sessions))
	for _, entry := range r.sessions {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	out := make([]Session, 0)
	for _, entry := range entries {
		entry.mu.Lock()
		sess := entry.session
		entry.mu.Unlock()
		if matchesFilter(sess, filter) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date().After(out[j].Date())
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) lookup(sessionID string) (*memorySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

// seed must be called with the entry locked or not yet shared.
func (e *memorySession) seed(enrolled []string, now time.Time) {
	for _, studentID := range enrolled {
		if _, exists := e.rows[studentID]; exists {
			continue
		}
		e.rows[studentID] = NewRosterRow(studentID, true, now)
		e.order = append(e.order, studentID)
	}
}

func matchesFilter(sess Session, filter SessionFilter) bool {
	if filter.MentorID != "" && sess.MentorID != filter.MentorID {
		return false
	}
	if filter.Status != "" && sess.Status != filter.Status {
		return false
	}
	if !filter.StartedBefore.IsZero() {
		if sess.StartedAt == nil || !sess.StartedAt.Before(filter.StartedBefore) {
			return false
		}
	}
	return true
}
