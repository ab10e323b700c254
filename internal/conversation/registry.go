// Package conversation keeps per-pair agent sessions so that exchanges between
// two agents on one story are ordered and never leak into another story.
package conversation

import (
	"sync"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// Key identifies a session: one per (story, requester, server).
type Key struct {
	StoryID   string
	Requester string
	Server    string
}

// Registry owns every live session. Sessions are created lazily and live until
// their story is closed.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Key]*Session)}
}

// GetOrCreate returns the session for the triple, creating it on first use.
// A closed session is replaced by a fresh one.
func (r *Registry) GetOrCreate(storyID string, requester, server core.AgentIdentity) *Session {
	key := Key{StoryID: storyID, Requester: requester.ID, Server: server.ID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok && !s.Closed() {
		return s
	}
	s := newSession(key, requester, server)
	r.sessions[key] = s
	return s
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(storyID string, requester, server core.AgentIdentity) (*Session, bool) {
	key := Key{StoryID: storyID, Requester: requester.ID, Server: server.ID}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Close closes a single session and evicts it. Safe to call repeatedly.
func (r *Registry) Close(s *Session) {
	if s == nil {
		return
	}
	s.close()
	r.mu.Lock()
	if cur, ok := r.sessions[s.key]; ok && cur == s {
		delete(r.sessions, s.key)
	}
	r.mu.Unlock()
}

// CloseStory closes and evicts every session belonging to storyID.
// It returns the number of sessions closed.
func (r *Registry) CloseStory(storyID string) int {
	r.mu.Lock()
	var victims []*Session
	for k, s := range r.sessions {
		if k.StoryID == storyID {
			victims = append(victims, s)
			delete(r.sessions, k)
		}
	}
	r.mu.Unlock()
	for _, s := range victims {
		s.close()
	}
	return len(victims)
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
