package corba

import (
	"sync"

	"github.com/google/uuid"
)

const maxIDAttempts = 8

// Registry maps object ids to servants. Lookup and revocation of the same
// id are mutually exclusive, and an id is never handed out again once
// revoked.
type Registry struct {
	mu       sync.RWMutex
	servants map[string]Servant
	revoked  map[string]struct{}
	newID    func() ObjectID
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		servants: make(map[string]Servant),
		revoked:  make(map[string]struct{}),
		newID: func() ObjectID {
			id := uuid.New()
			return ObjectID(id[:])
		},
	}
}

// Register activates a servant under a fresh random object id
func (r *Registry) Register(servant Servant) (ObjectID, error) {
	if servant == nil {
		return nil, BAD_PARAM(2, CompletionStatusNo).WithDescription("nil servant")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < maxIDAttempts; i++ {
		oid := r.newID()
		if r.inUseLocked(oid) {
			continue
		}
		r.servants[string(oid)] = servant
		return oid, nil
	}
	return nil, NO_RESOURCES(1, CompletionStatusNo).WithDescription("no free object id after %d attempts", maxIDAttempts)
}

// RegisterWithID activates a servant under a caller chosen object id
func (r *Registry) RegisterWithID(oid ObjectID, servant Servant) error {
	if servant == nil {
		return BAD_PARAM(2, CompletionStatusNo).WithDescription("nil servant")
	}
	if len(oid) == 0 {
		return BAD_PARAM(3, CompletionStatusNo).WithDescription("empty object id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inUseLocked(oid) {
		return BAD_PARAM(4, CompletionStatusNo).WithDescription("object id %s already used", oid)
	}
	r.servants[string(append(ObjectID(nil), oid...))] = servant
	return nil
}

func (r *Registry) inUseLocked(oid ObjectID) bool {
	if _, ok := r.servants[string(oid)]; ok {
		return true
	}
	_, ok := r.revoked[string(oid)]
	return ok
}

// Lookup returns the servant registered under oid
func (r *Registry) Lookup(oid ObjectID) (Servant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servant, ok := r.servants[string(oid)]
	if !ok {
		return nil, ErrNoSuchObject.WithDescription("object %s not found", oid)
	}
	return servant, nil
}

// Revoke deactivates oid. It reports whether a servant was registered.
func (r *Registry) Revoke(oid ObjectID) bool {
	r.mu.Lock()
	servant, ok := r.servants[string(oid)]
	if ok {
		delete(r.servants, string(oid))
		r.revoked[string(oid)] = struct{}{}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if e, isEtherealizer := servant.(Etherealizer); isEtherealizer {
		e.Etherealize(oid)
	}
	return true
}

// Len returns the number of active servants
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servants)
}

// Clear revokes every active servant
func (r *Registry) Clear() {
	r.mu.Lock()
	servants := r.servants
	r.servants = make(map[string]Servant)
	for key := range servants {
		r.revoked[key] = struct{}{}
	}
	r.mu.Unlock()

	for key, servant := range servants {
		if e, ok := servant.(Etherealizer); ok {
			e.Etherealize(ObjectID(key))
		}
	}
}
