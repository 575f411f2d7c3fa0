package memory

import "time"

// Stores bundles the in-memory stores with delete cascades wired.
type Stores struct {
	Identities  *Identities
	Credentials *Credentials
	Resets      *Resets
	Sessions    *Sessions
}

// New returns an empty set of stores. now drives session expiry; nil selects time.Now.
func New(now func() time.Time) *Stores {
	s := &Stores{
		Identities:  NewIdentities(),
		Credentials: NewCredentials(),
		Resets:      NewResets(),
		Sessions:    NewSessions(now),
	}
	s.Identities.OnDelete(s.Credentials.DeleteIdentity)
	s.Identities.OnDelete(s.Resets.DeleteIdentity)
	return s
}
