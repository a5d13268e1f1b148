package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

// versionKeyPrefix shadows every record with a version counter. Version keys
// are excluded from prefix scans.
const versionKeyPrefix = "v:"

// BadgerStore implements ports.Storage on a local badger database. Writes
// are optimistic: Put checks the shadowed version counter inside the same
// update transaction, so a lost race surfaces as a version mismatch and
// never as a partial write.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.Mutex
	seqs   map[string]*badger.Sequence
	closed bool
}

// Open opens (or creates) a store at dir. An empty dir opens an in-memory
// store, used by tests and ephemeral deployments.
func Open(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "badger-store"),
		seqs:   make(map[string]*badger.Sequence),
	}, nil
}

func (s *BadgerStore) Get(key string) (value []byte, version int64, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		exists = true
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}

		version, err = readVersion(txn, key)
		return err
	})
	return value, version, exists, err
}

func (s *BadgerStore) Put(key string, value []byte, version int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readVersion(txn, key)
		if err != nil {
			return err
		}

		next := current + 1
		if version > 0 {
			if version != current+1 {
				return domain.NewVersionMismatchError(key, version-1, current)
			}
			next = version
		}

		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		return txn.Set([]byte(versionKeyPrefix+key), encodeVersion(next))
	})
	if errors.Is(err, badger.ErrConflict) {
		return &domain.StorageError{
			Type:    domain.ErrTransactionConflict,
			Key:     key,
			Message: "transaction conflict on key " + key,
		}
	}
	return err
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(versionKeyPrefix + key))
	})
}

func (s *BadgerStore) List(prefix string) ([]ports.Entry, error) {
	var entries []ports.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version, err := readVersion(txn, key)
			if err != nil {
				return err
			}
			entries = append(entries, ports.Entry{Key: key, Value: value, Version: version})
		}
		return nil
	})
	return entries, err
}

func (s *BadgerStore) NextSequence(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, &domain.StorageError{Type: domain.ErrClosed, Message: "store is closed"}
	}

	seq, ok := s.seqs[name]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte("seq:"+name), 64)
		if err != nil {
			return 0, err
		}
		s.seqs[name] = seq
	}

	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// Sequences start at zero; callers expect the first value to be 1.
	return n + 1, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for name, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			s.logger.Warn("failed to release sequence", "sequence", name, "error", err)
		}
	}
	return s.db.Close()
}

func readVersion(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(versionKeyPrefix + key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return decodeVersion(raw), nil
}

func encodeVersion(v int64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

func decodeVersion(raw []byte) int64 {
	if len(raw) != 8 {
		return 0
	}
	var v int64
	for _, b := range raw {
		v = v<<8 | int64(b)
	}
	return v
}
