package domain

import "time"

// Lease is a time-bounded exclusive claim on a mutable record. A zero lease
// means the record is unclaimed. Generation increments on every acquisition
// so a worker that lost and re-won a lease cannot be confused with the
// previous holder.
type Lease struct {
	Owner      string    `json:"owner,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Generation int64     `json:"generation,omitempty"`
}

// Held reports whether the lease is claimed and unexpired at now.
func (l Lease) Held(now time.Time) bool {
	return l.Owner != "" && l.ExpiresAt.After(now)
}

// HeldBy reports whether owner holds a live lease at now.
func (l Lease) HeldBy(owner string, now time.Time) bool {
	return l.Owner == owner && l.ExpiresAt.After(now)
}
