package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Session is one addressable view backed by a directory under the workspace
// root. The registry owns every record; callers hold copies.
type Session struct {
	ID        string
	Root      string
	Mode      string
	CreatedAt time.Time
	URL       string
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	baseURL  string
	nowFunc  func() time.Time
}

func NewRegistry(baseURL string) *Registry {
	return &Registry{
		sessions: map[string]Session{},
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		nowFunc:  time.Now,
	}
}

// Open creates the session if absent and returns it. Repeat calls for the
// same id return the existing record unchanged.
func (r *Registry) Open(id, root, mode string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, fmt.Errorf("session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return existing, nil
	}
	s := Session{
		ID:        id,
		Root:      root,
		Mode:      mode,
		CreatedAt: r.nowFunc().UTC(),
		URL:       r.urlFor(id),
	}
	r.sessions[id] = s
	return s, nil
}

// Close removes the session and reports whether it existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns all sessions sorted by id for stable output.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) urlFor(id string) string {
	if r.baseURL == "" {
		return "/view/" + id
	}
	return r.baseURL + "/view/" + id
}
