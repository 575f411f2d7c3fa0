package memory

import (
	"context"
	"sync"
	"time"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/ids"
)

var _ auth.SessionStore = (*Sessions)(nil)

type sessionEntry struct {
	sess      auth.Session
	expiresAt time.Time
}

// Sessions is an in-memory session store with lazy expiry.
type Sessions struct {
	mu      sync.Mutex
	entries map[string]sessionEntry
	now     func() time.Time
}

// NewSessions uses now as its clock; nil selects time.Now.
func NewSessions(now func() time.Time) *Sessions {
	if now == nil {
		now = time.Now
	}
	return &Sessions{entries: make(map[string]sessionEntry), now: now}
}

func (s *Sessions) Create(_ context.Context, sess *auth.Session, ttl time.Duration) error {
	id, err := ids.Token(32)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.ID = id
	s.entries[id] = sessionEntry{sess: *sess, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Sessions) Get(_ context.Context, id string) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(id)
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return e.sess, nil
}

func (s *Sessions) UpdateTokens(_ context.Context, id string, roles auth.RoleSet, accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(id)
	if !ok {
		return auth.ErrNotFound
	}
	e.sess.Roles = roles
	e.sess.AccessToken = accessToken
	e.sess.RefreshToken = refreshToken
	s.entries[id] = e
	return nil
}

func (s *Sessions) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *Sessions) DestroyAll(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.sess.IdentityID == identityID {
			delete(s.entries, id)
		}
	}
	return nil
}

// Count reports live sessions of identityID.
func (s *Sessions) Count(identityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if _, ok := s.liveLocked(id); ok && e.sess.IdentityID == identityID {
			n++
		}
	}
	return n
}

func (s *Sessions) liveLocked(id string) (sessionEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return sessionEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, id)
		return sessionEntry{}, false
	}
	return e, true
}
