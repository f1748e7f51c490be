// Package registry implements the Session Registry (spec.md §5, §6): a
// process-wide, concurrency-safe index of active Session Mediators keyed
// by downstream connection id and by credential, so the out-of-scope HTTP
// order endpoint can look a session up. Insert/lookup/delete only — never
// iterated for business logic, and never exposed as a package-level
// global (spec.md §9's "process-wide maps" redesign flag).
package registry

import "sync"

// Session is the subset of the Session Mediator the registry needs to
// hand back to a caller; satisfied by *session.Mediator without an import
// cycle.
type Session interface {
	ID() string
	Credential() string
}

// Registry is a concurrent index of active sessions by id and credential.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]Session
	byCredential map[string]Session
}

// New creates an empty Session Registry.
func New() *Registry {
	return &Registry{
		byID:         make(map[string]Session),
		byCredential: make(map[string]Session),
	}
}

// Insert indexes s by both its id and its credential, replacing any prior
// entry under either key.
func (r *Registry) Insert(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID()] = s
	if s.Credential() != "" {
		r.byCredential[s.Credential()] = s
	}
}

// Lookup finds a session by downstream connection id.
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// LookupByCredential finds a session by its upstream credential.
func (r *Registry) LookupByCredential(credential string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCredential[credential]
	return s, ok
}

// Delete removes s from both indexes.
func (r *Registry) Delete(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.ID())
	if s.Credential() != "" {
		delete(r.byCredential, s.Credential())
	}
}

// Len returns the number of distinct sessions currently indexed by id,
// used by the healthcheck surface (spec.md §6).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
