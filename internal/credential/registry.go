package credential

import (
	"context"
	"sync"
	"time"
)

// Record is what the registry knows about one issued credential.
type Record struct {
	SessionID string     `json:"session_id"`
	TokenHash string     `json:"token_hash"`
	Token     string     `json:"token,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Registry stores at most one credential per session. Put replaces the
// previous credential of the session, which stops resolving at once.
type Registry interface {
	// Put stores rec under token. A zero keep stores it until revoked.
	Put(ctx context.Context, token string, rec Record, keep time.Duration) error
	Lookup(ctx context.Context, token string) (Record, bool, error)
	Current(ctx context.Context, sessionID string) (Record, bool, error)
	Revoke(ctx context.Context, sessionID string) error
}

type memoryEntry struct {
	record   Record
	deadline time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.deadline.IsZero() || now.Before(e.deadline)
}

// MemoryRegistry is a Registry for single-instance deployments.
type MemoryRegistry struct {
	mu        sync.Mutex
	byHash    map[string]memoryEntry
	bySession map[string]string
	now       func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byHash:    make(map[string]memoryEntry),
		bySession: make(map[string]string),
		now:       time.Now,
	}
}

func (m *MemoryRegistry) Put(_ context.Context, token string, rec Record, keep time.Duration) error {
	hash := HashToken(token)
	rec.TokenHash = hash
	rec.Token = token
	entry := memoryEntry{record: rec}
	if keep > 0 {
		entry.deadline = m.now().Add(keep)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if previous, ok := m.bySession[rec.SessionID]; ok {
		delete(m.byHash, previous)
	}
	m.byHash[hash] = entry
	m.bySession[rec.SessionID] = hash
	return nil
}

func (m *MemoryRegistry) Lookup(_ context.Context, token string) (Record, bool, error) {
	hash := HashToken(token)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byHash[hash]
	if !ok {
		return Record{}, false, nil
	}
	if !entry.live(m.now()) {
		m.dropLocked(entry.record.SessionID, hash)
		return Record{}, false, nil
	}
	rec := entry.record
	rec.Token = ""
	return rec, true, nil
}

func (m *MemoryRegistry) Current(_ context.Context, sessionID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.bySession[sessionID]
	if !ok {
		return Record{}, false, nil
	}
	entry := m.byHash[hash]
	if !entry.live(m.now()) {
		m.dropLocked(sessionID, hash)
		return Record{}, false, nil
	}
	return entry.record, true, nil
}

func (m *MemoryRegistry) Revoke(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hash, ok := m.bySession[sessionID]; ok {
		m.dropLocked(sessionID, hash)
	}
	return nil
}

func (m *MemoryRegistry) dropLocked(sessionID, hash string) {
	delete(m.byHash, hash)
	if m.bySession[sessionID] == hash {
		delete(m.bySession, sessionID)
	}
}
