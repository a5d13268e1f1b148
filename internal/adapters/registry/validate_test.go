package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/internal/domain"
)

func violationsOf(t *testing.T, err error) []domain.ModelViolation {
	t.Helper()
	ime, ok := err.(*domain.InvalidModelError)
	require.True(t, ok, "expected InvalidModelError, got %v", err)
	return ime.Violations
}

func TestValidateAcceptsSimpleModel(t *testing.T) {
	model := simpleModel()
	require.NoError(t, ValidateModel(&model))
}

func TestValidateRejectsMultipleStarts(t *testing.T) {
	model := simpleModel()
	model.Elements["start2"] = domain.Element{Kind: domain.ElementEvent, EventKind: domain.EventStart}
	model.Flows = append(model.Flows, domain.SequenceFlow{ID: "f3", Source: "start2", Target: "review"})

	err := ValidateModel(&model)
	require.Error(t, err)
	require.Contains(t, err.Error(), "start events")
}

func TestValidateRejectsDanglingFlow(t *testing.T) {
	model := simpleModel()
	model.Flows = append(model.Flows, domain.SequenceFlow{ID: "f9", Source: "review", Target: "nowhere"})

	found := false
	for _, v := range violationsOf(t, ValidateModel(&model)) {
		if v.ElementID == "f9" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidateRejectsUnreachableEnd(t *testing.T) {
	model := domain.ProcessModel{
		Elements: map[string]domain.Element{
			"start": {Kind: domain.ElementEvent, EventKind: domain.EventStart},
			"a":     {Kind: domain.ElementTask, TaskKind: domain.TaskUser},
			"end":   {Kind: domain.ElementEvent, EventKind: domain.EventEnd},
		},
		Flows: []domain.SequenceFlow{
			{ID: "f1", Source: "start", Target: "a"},
			// The end event has no incoming flow.
		},
	}

	err := ValidateModel(&model)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reachable")
}

func TestValidateRejectsBadDefaultFlow(t *testing.T) {
	model := simpleModel()
	model.Elements["gw"] = domain.Element{
		Kind:        domain.ElementGateway,
		GatewayKind: domain.GatewayExclusive,
		DefaultFlow: "f1", // f1 leaves "start", not "gw"
	}
	model.Flows = append(model.Flows,
		domain.SequenceFlow{ID: "f3", Source: "review", Target: "gw"},
		domain.SequenceFlow{ID: "f4", Source: "gw", Target: "end"},
	)

	err := ValidateModel(&model)
	require.Error(t, err)
	require.Contains(t, err.Error(), "default flow")
}

func TestValidateCollectsElementConfigViolations(t *testing.T) {
	model := domain.ProcessModel{
		Elements: map[string]domain.Element{
			"start": {Kind: domain.ElementEvent, EventKind: domain.EventStart},
			"svc":   {Kind: domain.ElementTask, TaskKind: domain.TaskService},
			"rule":  {Kind: domain.ElementTask, TaskKind: domain.TaskBusinessRule},
			"end":   {Kind: domain.ElementEvent, EventKind: domain.EventEnd},
		},
		Flows: []domain.SequenceFlow{
			{ID: "f1", Source: "start", Target: "svc"},
			{ID: "f2", Source: "svc", Target: "rule"},
			{ID: "f3", Source: "rule", Target: "end"},
		},
	}

	violations := violationsOf(t, ValidateModel(&model))
	require.Len(t, violations, 2)
}

func TestValidateRecursesIntoSubProcess(t *testing.T) {
	sub := domain.ProcessModel{
		Elements: map[string]domain.Element{
			"inner": {Kind: domain.ElementTask, TaskKind: domain.TaskUser},
		},
	}
	model := simpleModel()
	model.Elements["sub"] = domain.Element{Kind: domain.ElementSubProcess, SubProcess: &sub}
	model.Flows = append(model.Flows,
		domain.SequenceFlow{ID: "f3", Source: "review", Target: "sub"},
		domain.SequenceFlow{ID: "f4", Source: "sub", Target: "end"},
	)

	err := ValidateModel(&model)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sub-process")
}
