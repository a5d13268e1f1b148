package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/internal/adapters/storage"
	"github.com/flowmill/flowmill/internal/domain"
)

func TestAppendAndReplayPreservesOrder(t *testing.T) {
	manager := NewManager(storage.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	types := []domain.AuditEventType{
		domain.AuditInstanceStarted,
		domain.AuditActivityEntered,
		domain.AuditActivityCompleted,
		domain.AuditInstanceCompleted,
	}
	for _, typ := range types {
		manager.Append(ctx, domain.AuditEvent{TenantID: "t1", Type: typ, InstanceID: "i1"})
	}

	events, err := manager.Replay(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, len(types))
	for i, event := range events {
		require.Equal(t, types[i], event.Type)
		require.NotEmpty(t, event.ID)
		require.False(t, event.Timestamp.IsZero())
	}
}

func TestReplayIsTenantScoped(t *testing.T) {
	manager := NewManager(storage.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	manager.Append(ctx, domain.AuditEvent{TenantID: "t1", Type: domain.AuditInstanceStarted})
	manager.Append(ctx, domain.AuditEvent{TenantID: "t2", Type: domain.AuditInstanceStarted})

	events, err := manager.Replay(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "t1", events[0].TenantID)
}

func TestSubscribeReceivesAppends(t *testing.T) {
	manager := NewManager(storage.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	ch, cancel := manager.Subscribe()
	defer cancel()

	manager.Append(ctx, domain.AuditEvent{TenantID: "t1", Type: domain.AuditTaskClaimed})

	event := <-ch
	require.Equal(t, domain.AuditTaskClaimed, event.Type)
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	manager := NewManager(storage.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	ch, cancel := manager.Subscribe()
	cancel()

	manager.Append(ctx, domain.AuditEvent{TenantID: "t1", Type: domain.AuditTaskClaimed})

	_, open := <-ch
	require.False(t, open)
}
