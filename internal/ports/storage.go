package ports

import "time"

// Entry is one key/value pair returned by a prefix scan, with the record's
// current optimistic version.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

// Storage is a durable versioned key/value store. Put with version N > 0 is
// a compare-and-swap: it succeeds only while the record's current version is
// N-1 (N = 1 therefore requires the key to be absent) and leaves the record
// at version N. Put with version 0 writes unconditionally, bumping the
// version. A lost CAS returns a version-mismatch storage error and writes
// nothing.
type Storage interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	Delete(key string) error
	List(prefix string) ([]Entry, error)
	NextSequence(name string) (uint64, error)
	Close() error
}

// Clock abstracts time so leases, timers and backoff are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }
