// Package session tracks active executions by execution id. The registry is
// the only shared mutable structure in the engine: every mutation goes
// through its mutex, duplicate starts are rejected without side effects, and
// removal is idempotent because exit callbacks, explicit stops and channel
// closes can all race to delete the same session.
package session

import (
	"errors"
	"sync"

	"github.com/scriptdeck/scriptdeck/internal/process"
)

// ErrAlreadyRunning is returned when a start is attempted for an execution id
// that already has a live session.
var ErrAlreadyRunning = errors.New("an execution with this id is already running")

// Session is one active execution.
type Session struct {
	// ID is the execution id, unique among running sessions.
	ID string
	// Owner identifies the client channel the session belongs to. It is a
	// back-reference used for cleanup sweeps, not ownership.
	Owner any
	// Buffer holds the capped output log for final persistence.
	Buffer *Buffer
	// RecordID references the Script Registry row, if one was created.
	RecordID string

	mu   sync.Mutex
	proc process.Handle
}

// SetProcess attaches the process handle once the adapter has started.
func (s *Session) SetProcess(p process.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
}

// Process returns the attached handle, or nil before start completes.
func (s *Session) Process() process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Registry maps execution ids to live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session. If a session with the same id is already present
// the call fails with ErrAlreadyRunning and the existing session is left
// untouched.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return ErrAlreadyRunning
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session for id, if one is running.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session for id and returns it. Removing an id that is
// absent is a normal outcome (deletion races with exit and close handlers)
// and returns nil.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

// SweepOwner removes and returns every session owned by the given channel.
// Called when a client channel closes or errors.
func (r *Registry) SweepOwner(owner any) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var swept []*Session
	for id, s := range r.sessions {
		if s.Owner == owner {
			swept = append(swept, s)
			delete(r.sessions, id)
		}
	}
	return swept
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
