// Package memory provides process-local implementations of the auth stores,
// used by tests and by the API when no database is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/ids"
)

var _ auth.IdentityStore = (*Identities)(nil)

// Identities is an in-memory user directory.
type Identities struct {
	mu   sync.RWMutex
	byID map[string]auth.Identity

	// onDelete cascades to the other stores sharing this directory.
	onDelete []func(id string)
}

func NewIdentities() *Identities {
	return &Identities{byID: make(map[string]auth.Identity)}
}

func (s *Identities) Create(_ context.Context, identity auth.Identity) (auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUniqueLocked("", identity.Handle, identity.Email); err != nil {
		return auth.Identity{}, err
	}
	now := time.Now().UTC()
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	identity.CreatedAt = now
	identity.UpdatedAt = now
	s.byID[identity.ID] = identity
	return identity, nil
}

func (s *Identities) FindByID(_ context.Context, id string) (auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byID[id]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	return identity, nil
}

func (s *Identities) FindByHandle(_ context.Context, handle string) (auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, identity := range s.byID {
		if identity.Handle == handle {
			return identity, nil
		}
	}
	return auth.Identity{}, auth.ErrNotFound
}

func (s *Identities) List(_ context.Context, filter auth.IdentityFilter) ([]auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Identity, 0, len(s.byID))
	for _, identity := range s.byID {
		if filter.ActiveOnly && !identity.Active {
			continue
		}
		if filter.Role != "" && !identity.Roles.Has(filter.Role) {
			continue
		}
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (s *Identities) Update(_ context.Context, id string, upd auth.IdentityUpdate) (auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	handle, email := identity.Handle, identity.Email
	if upd.Handle != nil {
		handle = *upd.Handle
	}
	if upd.Email != nil {
		email = *upd.Email
	}
	if err := s.checkUniqueLocked(id, handle, email); err != nil {
		return auth.Identity{}, err
	}
	identity.Handle, identity.Email = handle, email
	if upd.Name != nil {
		identity.Name = *upd.Name
	}
	if upd.Roles != nil {
		identity.Roles = *upd.Roles
	}
	identity.UpdatedAt = time.Now().UTC()
	s.byID[id] = identity
	return identity, nil
}

func (s *Identities) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return s.mutate(id, func(identity *auth.Identity) { identity.PasswordHash = passwordHash })
}

func (s *Identities) SetActive(_ context.Context, id string, active bool) error {
	return s.mutate(id, func(identity *auth.Identity) { identity.Active = active })
}

func (s *Identities) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return auth.ErrNotFound
	}
	delete(s.byID, id)
	hooks := append([]func(string){}, s.onDelete...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// OnDelete registers a cascade hook run after an identity is removed.
func (s *Identities) OnDelete(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = append(s.onDelete, fn)
}

func (s *Identities) mutate(id string, fn func(*auth.Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&identity)
	identity.UpdatedAt = time.Now().UTC()
	s.byID[id] = identity
	return nil
}

func (s *Identities) checkUniqueLocked(selfID, handle, email string) error {
	for id, other := range s.byID {
		if id == selfID {
			continue
		}
		if other.Handle == handle || strings.EqualFold(other.Email, email) {
			return auth.ErrConflict
		}
	}
	return nil
}
