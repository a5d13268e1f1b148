// Package audit persists the append-only audit stream and fans events out
// to in-process subscribers. The engine appends; it never rewrites or
// deletes, so external consumers can replay a tenant's history at any time.
package audit

import (
	"context"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

type Manager struct {
	storage ports.Storage
	clock   ports.Clock
	logger  *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]chan domain.AuditEvent
}

func NewManager(storage ports.Storage, clock ports.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Manager{
		storage:     storage,
		clock:       clock,
		logger:      logger.With("component", "audit"),
		subscribers: make(map[string]chan domain.AuditEvent),
	}
}

// Append records one event. Append never fails the calling operation: a
// storage error is logged and swallowed, because a failed audit write must
// not roll back the state transition that produced it.
func (m *Manager) Append(ctx context.Context, event domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock.Now()
	}

	seq, err := m.storage.NextSequence("audit")
	if err != nil {
		m.logger.Error("failed to allocate audit sequence", "error", err)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to encode audit event", "type", event.Type, "error", err)
		return
	}

	if err := m.storage.Put(domain.AuditKey(event.TenantID, seq), payload, 0); err != nil {
		m.logger.Error("failed to persist audit event", "type", event.Type, "error", err)
		return
	}

	m.broadcast(event)
}

// Subscribe returns a buffered channel of future events and a cancel
// function. Slow subscribers drop events rather than block the engine.
func (m *Manager) Subscribe() (<-chan domain.AuditEvent, func()) {
	id := uuid.NewString()
	ch := make(chan domain.AuditEvent, 128)

	m.mu.Lock()
	m.subscribers[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Replay returns the tenant's recorded events in append order.
func (m *Manager) Replay(ctx context.Context, tenantID string) ([]domain.AuditEvent, error) {
	entries, err := m.storage.List(domain.AuditScanPrefix(tenantID))
	if err != nil {
		return nil, err
	}

	events := make([]domain.AuditEvent, 0, len(entries))
	for _, entry := range entries {
		var event domain.AuditEvent
		if err := json.Unmarshal(entry.Value, &event); err != nil {
			m.logger.Warn("skipping undecodable audit event", "key", entry.Key, "error", err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (m *Manager) broadcast(event domain.AuditEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			m.logger.Debug("dropping audit event for slow subscriber", "subscriber", id, "type", event.Type)
		}
	}
}
