package ports

import "time"

// LeaseRecord is the stored form of an exclusive claim on a resource.
type LeaseRecord struct {
	Key        string            `json:"key"`
	Owner      string            `json:"owner"`
	ExpiresAt  time.Time         `json:"expires_at"`
	RenewedAt  time.Time         `json:"renewed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Generation int64             `json:"generation"`
}

// LeaseManager arbitrates exclusive claims through the versioned store.
// TryAcquire is first-writer-wins: it returns acquired=false, not an error,
// when somebody else holds a live lease or wins the write race.
type LeaseManager interface {
	TryAcquire(key, owner string, ttl time.Duration, metadata map[string]string) (record *LeaseRecord, acquired bool, err error)
	Renew(key, owner string, ttl time.Duration) (*LeaseRecord, error)
	Release(key, owner string) error
	ForceRelease(key string) error
	Get(key string) (record *LeaseRecord, exists bool, err error)
}
