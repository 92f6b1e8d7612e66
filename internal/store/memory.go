package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inkhaus/redline/internal/model"
)

// Memory is an in-process SessionStore and PermissionStore. It backs
// single-process dev deployments (no REDLINE_DATABASE_URL) and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	grants   map[string]map[string]model.Level // userID -> documentID -> level
}

var (
	_ SessionStore    = (*Memory)(nil)
	_ PermissionStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*model.Session),
		grants:   make(map[string]map[string]model.Level),
	}
}

func (m *Memory) CreateSession(_ context.Context, session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *Memory) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Active() {
		s.LastHeartbeat = at
	}
	return nil
}

func (m *Memory) CloseSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Active() {
		t := at
		s.DisconnectedAt = &t
	}
	return nil
}

func (m *Memory) ActiveUsers(_ context.Context, documentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, s := range m.sessions {
		if s.DocumentID == documentID && s.Active() {
			seen[s.UserID] = true
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (m *Memory) ClosedSessions(_ context.Context, since time.Time) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var closed []*model.Session
	for _, s := range m.sessions {
		if s.DisconnectedAt != nil && !s.DisconnectedAt.Before(since) {
			copied := *s
			closed = append(closed, &copied)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].DisconnectedAt.Before(*closed[j].DisconnectedAt)
	})
	return closed, nil
}

func (m *Memory) Close() error { return nil }

// Grant sets the user's capability level on a document.
func (m *Memory) Grant(userID, documentID string, level model.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[userID] == nil {
		m.grants[userID] = make(map[string]model.Level)
	}
	m.grants[userID][documentID] = level
}

// Revoke removes the user's grant on a document.
func (m *Memory) Revoke(userID, documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants[userID], documentID)
}

func (m *Memory) Level(_ context.Context, userID, documentID string) (model.Level, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	level, ok := m.grants[userID][documentID]
	return level, ok, nil
}

// OpenPermissions grants every user admin on every document. Dev-only
// fallback for running without a permission database.
type OpenPermissions struct{}

var _ PermissionStore = OpenPermissions{}

func (OpenPermissions) Level(context.Context, string, string) (model.Level, bool, error) {
	return model.LevelAdmin, true, nil
}
