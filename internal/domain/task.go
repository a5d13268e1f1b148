package domain

import "time"

// HumanTask is the work item bound 1:1 to a user-task activity instance.
// Actions is append-only: every mutation records what happened, by whom and
// when, so a task's history can be replayed for audit.
type HumanTask struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	ActivityID string `json:"activity_id"`

	Name          string `json:"name"`
	DefinitionKey string `json:"definition_key,omitempty"`

	Status   TaskStatus `json:"status"`
	Assignee string     `json:"assignee,omitempty"`
	// Owner is the identity that held the task before a delegation.
	Owner string `json:"owner,omitempty"`

	CandidateUsers  []string `json:"candidate_users,omitempty"`
	CandidateGroups []string `json:"candidate_groups,omitempty"`
	CandidateRoles  []string `json:"candidate_roles,omitempty"`

	Priority     int        `json:"priority,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	FollowUpDate *time.Time `json:"follow_up_date,omitempty"`

	Outcome string       `json:"outcome,omitempty"`
	Actions []TaskAction `json:"actions,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskReady      TaskStatus = "ready"
	TaskReserved   TaskStatus = "reserved"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskError      TaskStatus = "error"
	TaskExited     TaskStatus = "exited"
	TaskObsolete   TaskStatus = "obsolete"
)

// Terminal reports whether the task admits no further work.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskError, TaskExited, TaskObsolete:
		return true
	}
	return false
}

// IsCandidate reports whether the user (with the given groups and roles) is
// in the task's candidate set. A task with an empty candidate set is open to
// anyone.
func (t *HumanTask) IsCandidate(userID string, groups, roles []string) bool {
	if len(t.CandidateUsers) == 0 && len(t.CandidateGroups) == 0 && len(t.CandidateRoles) == 0 {
		return true
	}
	for _, u := range t.CandidateUsers {
		if u == userID {
			return true
		}
	}
	for _, g := range t.CandidateGroups {
		for _, have := range groups {
			if g == have {
				return true
			}
		}
	}
	for _, r := range t.CandidateRoles {
		for _, have := range roles {
			if r == have {
				return true
			}
		}
	}
	return false
}

// TaskAction is one entry in a task's immutable history.
type TaskAction struct {
	ID               string          `json:"id"`
	Type             TaskActionType  `json:"type"`
	UserID           string          `json:"user_id,omitempty"`
	PreviousAssignee string          `json:"previous_assignee,omitempty"`
	Comment          string          `json:"comment,omitempty"`
	Attachment       *TaskAttachment `json:"attachment,omitempty"`
	Detail           string          `json:"detail,omitempty"`
	At               time.Time       `json:"at"`
}

type TaskActionType string

const (
	ActionCreate        TaskActionType = "create"
	ActionClaim         TaskActionType = "claim"
	ActionUnclaim       TaskActionType = "unclaim"
	ActionAssign        TaskActionType = "assign"
	ActionDelegate      TaskActionType = "delegate"
	ActionStart         TaskActionType = "start"
	ActionComplete      TaskActionType = "complete"
	ActionFail          TaskActionType = "fail"
	ActionExit          TaskActionType = "exit"
	ActionComment       TaskActionType = "comment"
	ActionAttachment    TaskActionType = "attachment"
	ActionSetPriority   TaskActionType = "set_priority"
	ActionSetDueDate    TaskActionType = "set_due_date"
	ActionAddCandidates TaskActionType = "add_candidates"
)

// TaskAttachment references external content attached to a task.
type TaskAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	StorageRef  string `json:"storage_ref"`
}
