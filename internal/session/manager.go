package session

import (
	"context"
	"strings"
	"sync"
)

// Factory builds the dependencies of a new session for identity.
type Factory func(identity string) (Deps, error)

// Manager keeps one Session per signed-in user.
type Manager struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns an empty manager.
func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory, sessions: make(map[string]*Session)}
}

// Get returns the loaded session of identity, creating it on first use. A load
// failure still returns the (empty, fail-closed) session along with the error.
func (m *Manager) Get(ctx context.Context, identity string) (*Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrNoIdentity
	}
	m.mu.Lock()
	s, ok := m.sessions[identity]
	if !ok {
		deps, err := m.factory(identity)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		s, err = New(identity, deps)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.sessions[identity] = s
	}
	m.mu.Unlock()
	return s, s.Load(ctx)
}

// Lookup returns an existing session without loading it.
func (m *Manager) Lookup(identity string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[strings.TrimSpace(identity)]
	return s, ok
}

// Logout tears down the session of identity.
func (m *Manager) Logout(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	m.mu.Lock()
	s, ok := m.sessions[identity]
	delete(m.sessions, identity)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Logout(ctx)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
