package humantask

import (
	"context"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

// TaskFilter narrows a task query. Zero-valued fields match everything.
type TaskFilter struct {
	Assignee       string
	CandidateUser  string
	CandidateGroup string
	ProcessKey     string
	InstanceID     string
	Status         domain.TaskStatus
}

// Query returns the tenant's tasks matching the filter, newest first, with
// the total match count before pagination.
func (m *Manager) Query(ctx context.Context, tenantID string, filter TaskFilter, page ports.Page) ([]*domain.HumanTask, int, error) {
	entries, err := m.storage.List(domain.TaskScanPrefix(tenantID))
	if err != nil {
		return nil, 0, err
	}

	var matches []*domain.HumanTask
	for _, entry := range entries {
		var task domain.HumanTask
		if err := json.Unmarshal(entry.Value, &task); err != nil {
			m.logger.Warn("skipping undecodable task", "key", entry.Key, "error", err)
			continue
		}
		if filter.matches(&task) {
			matches = append(matches, &task)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	total := len(matches)
	lo, hi := page.Clip(total)
	return matches[lo:hi], total, nil
}

func (f TaskFilter) matches(task *domain.HumanTask) bool {
	if f.Assignee != "" && task.Assignee != f.Assignee {
		return false
	}
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	if f.ProcessKey != "" && task.DefinitionKey != f.ProcessKey {
		return false
	}
	if f.InstanceID != "" && task.InstanceID != f.InstanceID {
		return false
	}
	if f.CandidateUser != "" {
		found := false
		for _, u := range task.CandidateUsers {
			if u == f.CandidateUser {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CandidateGroup != "" {
		found := false
		for _, g := range task.CandidateGroups {
			if g == f.CandidateGroup {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
