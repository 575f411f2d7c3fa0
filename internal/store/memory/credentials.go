package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"granada.sch.id/backoffice/internal/auth"
)

var _ auth.CredentialStore = (*Credentials)(nil)

// Credentials is an in-memory credential store. A single mutex makes Save
// atomic with respect to every other operation.
type Credentials struct {
	mu      sync.Mutex
	records map[string]auth.CredentialRecord

	findValidCalls atomic.Int64
}

func NewCredentials() *Credentials {
	return &Credentials{records: make(map[string]auth.CredentialRecord)}
}

func (s *Credentials) Save(_ context.Context, rec auth.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.records {
		if existing.IdentityID == rec.IdentityID && existing.Valid {
			existing.Valid = false
			s.records[id] = existing
		}
	}
	rec.Valid = true
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *Credentials) Invalidate(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.TokenHash == tokenHash && rec.Valid {
			rec.Valid = false
			s.records[id] = rec
		}
	}
	return nil
}

func (s *Credentials) InvalidateAll(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.IdentityID == identityID && rec.Valid {
			rec.Valid = false
			s.records[id] = rec
		}
	}
	return nil
}

func (s *Credentials) FindValid(_ context.Context, tokenHash, identityID string, now time.Time) (auth.CredentialRecord, error) {
	s.findValidCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.TokenHash == tokenHash && rec.IdentityID == identityID && rec.Valid && rec.ExpiresAt.After(now) {
			return rec, nil
		}
	}
	return auth.CredentialRecord{}, auth.ErrNotFound
}

func (s *Credentials) InvalidateExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.Valid && !rec.ExpiresAt.After(now) {
			rec.Valid = false
			s.records[id] = rec
			n++
		}
	}
	return n, nil
}

// Len reports how many records are kept, valid or not.
func (s *Credentials) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// DeleteIdentity drops every record of identityID.
func (s *Credentials) DeleteIdentity(identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.IdentityID == identityID {
			delete(s.records, id)
		}
	}
}

// FindValidCalls reports how many times FindValid ran.
func (s *Credentials) FindValidCalls() int64 { return s.findValidCalls.Load() }

// ValidCount reports the number of valid records of identityID.
func (s *Credentials) ValidCount(identityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.IdentityID == identityID && rec.Valid {
			n++
		}
	}
	return n
}
