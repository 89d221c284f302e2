package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry errors.
var (
	// ErrNotFound is returned by Get for an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicateID is returned by Add when the id is already registered.
	ErrDuplicateID = errors.New("duplicate session id")
)

// Registry owns all sessions for one endpoint. It serializes create, get
// and remove under a single mutex; per-session state is owned by the
// session's state machine, never mutated through the registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create allocates a session with a fresh unpredictable identifier.
// IDs are UUIDv4 (crypto/rand backed); the registry enforces uniqueness.
func (r *Registry) Create(role Role) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := uuid.NewString()
		if _, exists := r.sessions[id]; exists {
			continue
		}
		s := &Session{ID: id, Role: role}
		r.sessions[id] = s
		return s, nil
	}
}

// Add registers a session whose id was allocated by the remote endpoint.
// The Inner role uses this after a handshake reply delivers the id.
func (r *Registry) Add(s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("session has empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Remove evicts the session for id. Safe to call on absent ids.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
