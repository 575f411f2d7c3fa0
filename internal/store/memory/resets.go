package memory

import (
	"context"
	"sync"
	"time"

	"granada.sch.id/backoffice/internal/auth"
)

var _ auth.ResetStore = (*Resets)(nil)

// Resets is an in-memory password reset store.
type Resets struct {
	mu      sync.Mutex
	records map[string]auth.PasswordReset
}

func NewResets() *Resets {
	return &Resets{records: make(map[string]auth.PasswordReset)}
}

func (s *Resets) Create(_ context.Context, rec auth.PasswordReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *Resets) FindIssued(_ context.Context, codeHash, identityID string, now time.Time) (auth.PasswordReset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  auth.PasswordReset
		found bool
	)
	for _, rec := range s.records {
		if rec.CodeHash != codeHash || rec.State(now) != auth.ResetIssued {
			continue
		}
		if identityID != "" && rec.IdentityID != identityID {
			continue
		}
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best, found = rec, true
		}
	}
	if !found {
		return auth.PasswordReset{}, auth.ErrNotFound
	}
	return best, nil
}

func (s *Resets) MarkVerified(_ context.Context, id, tokenHash string, expiresAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.State(now) != auth.ResetIssued {
		return auth.ErrNotFound
	}
	rec.Verified = true
	rec.TokenHash = tokenHash
	rec.ExpiresAt = expiresAt
	s.records[id] = rec
	return nil
}

func (s *Resets) FindVerified(_ context.Context, tokenHash string, now time.Time) (auth.PasswordReset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.TokenHash == tokenHash && rec.State(now) == auth.ResetVerified {
			return rec, nil
		}
	}
	return auth.PasswordReset{}, auth.ErrNotFound
}

func (s *Resets) MarkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Used || !rec.Verified {
		return auth.ErrNotFound
	}
	rec.Used = true
	s.records[id] = rec
	return nil
}

func (s *Resets) RecordMiss(_ context.Context, identityID string, maxAttempts int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.IdentityID != identityID || rec.State(now) != auth.ResetIssued {
			continue
		}
		rec.Attempts++
		if rec.Attempts >= maxAttempts {
			rec.ExpiresAt = now
		}
		s.records[id] = rec
	}
	return nil
}

// DeleteIdentity drops every record of identityID.
func (s *Resets) DeleteIdentity(identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.IdentityID == identityID {
			delete(s.records, id)
		}
	}
}
