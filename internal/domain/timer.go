package domain

import "time"

// ProcessTimer is a persisted wake-up for a waiting instance. Firing is
// first-writer-wins: the poller that transitions the timer to triggered owns
// the resumption.
type ProcessTimer struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	ActivityID string `json:"activity_id"`
	// Bookmark names the resumption point the engine re-enters on firing.
	Bookmark string `json:"bookmark"`

	Kind   TimerKind   `json:"kind"`
	Status TimerStatus `json:"status"`

	FireAt     time.Time `json:"fire_at"`
	NextFireAt time.Time `json:"next_fire_at"`

	// Recurrence holds the ISO-8601 repeating interval for cycle timers.
	Recurrence    string `json:"recurrence,omitempty"`
	Executions    int    `json:"executions,omitempty"`
	MaxExecutions int    `json:"max_executions,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type TimerKind string

const (
	TimerDate     TimerKind = "date"
	TimerDuration TimerKind = "duration"
	TimerCycle    TimerKind = "cycle"
)

type TimerStatus string

const (
	TimerPending   TimerStatus = "pending"
	TimerScheduled TimerStatus = "scheduled"
	TimerTriggered TimerStatus = "triggered"
	TimerCancelled TimerStatus = "cancelled"
	TimerExhausted TimerStatus = "exhausted"
)
