package registry

import (
	"fmt"

	"github.com/flowmill/flowmill/internal/domain"
)

// ValidateModel checks the structural invariants of a process model: exactly
// one start event, every flow endpoint resolves, at least one end event is
// reachable from the start, and element configuration matches the element
// kind. It returns an InvalidModelError carrying every violation found.
func ValidateModel(model *domain.ProcessModel) error {
	var violations []domain.ModelViolation

	add := func(elementID, format string, args ...interface{}) {
		violations = append(violations, domain.ModelViolation{
			ElementID: elementID,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	if len(model.Elements) == 0 {
		add("", "model has no elements")
		return &domain.InvalidModelError{Violations: violations}
	}

	var starts, ends []string
	for id, el := range model.Elements {
		if el.ID != "" && el.ID != id {
			add(id, "element id %q does not match its table key", el.ID)
		}
		if el.Kind == domain.ElementEvent {
			switch el.EventKind {
			case domain.EventStart:
				starts = append(starts, id)
			case domain.EventEnd:
				ends = append(ends, id)
			}
		}
		validateElement(id, el, add)
	}

	if len(starts) == 0 {
		add("", "model has no start event")
	}
	if len(starts) > 1 {
		add("", "model has %d start events, expected exactly one", len(starts))
	}
	if len(ends) == 0 {
		add("", "model has no end event")
	}

	flowIDs := make(map[string]bool, len(model.Flows))
	for _, flow := range model.Flows {
		if flowIDs[flow.ID] {
			add(flow.ID, "duplicate flow id")
		}
		flowIDs[flow.ID] = true
		if _, ok := model.Elements[flow.Source]; !ok {
			add(flow.ID, "flow source %q references a missing element", flow.Source)
		}
		if _, ok := model.Elements[flow.Target]; !ok {
			add(flow.ID, "flow target %q references a missing element", flow.Target)
		}
	}

	for id, el := range model.Elements {
		if el.DefaultFlow == "" {
			continue
		}
		found := false
		for _, flow := range model.Flows {
			if flow.ID == el.DefaultFlow && flow.Source == id {
				found = true
				break
			}
		}
		if !found {
			add(id, "default flow %q is not an outgoing flow of the gateway", el.DefaultFlow)
		}
	}

	if len(starts) == 1 && len(ends) > 0 {
		reached := reachableFrom(model, starts[0])
		endReachable := false
		for _, end := range ends {
			if reached[end] {
				endReachable = true
				break
			}
		}
		if !endReachable {
			add(starts[0], "no end event is reachable from the start event")
		}
	}

	// Embedded sub-process bodies are models in their own right.
	for id, el := range model.Elements {
		if el.Kind != domain.ElementSubProcess || el.SubProcess == nil {
			continue
		}
		if err := ValidateModel(el.SubProcess); err != nil {
			if ime, ok := err.(*domain.InvalidModelError); ok {
				for _, v := range ime.Violations {
					add(id, "sub-process: %s", v.String())
				}
			} else {
				add(id, "sub-process: %v", err)
			}
		}
	}

	if len(violations) > 0 {
		return &domain.InvalidModelError{Violations: violations}
	}
	return nil
}

func validateElement(id string, el domain.Element, add func(string, string, ...interface{})) {
	switch el.Kind {
	case domain.ElementTask:
		switch el.TaskKind {
		case domain.TaskUser:
		case domain.TaskService, domain.TaskScript:
			if el.Handler == "" {
				add(id, "%s task needs a handler name", el.TaskKind)
			}
		case domain.TaskBusinessRule:
			if el.RuleSetKey == "" {
				add(id, "business rule task needs a rule set key")
			}
		case domain.TaskSend:
			if el.MessageName == "" {
				add(id, "send task needs a message name")
			}
		case domain.TaskReceive:
			if el.MessageName == "" {
				add(id, "receive task needs a message name")
			}
		default:
			add(id, "unknown task kind %q", el.TaskKind)
		}
		if el.MultiInstance != nil {
			if el.MultiInstance.Cardinality <= 0 && el.MultiInstance.CollectionVariable == "" {
				add(id, "multi-instance body needs a cardinality or a collection variable")
			}
		}
	case domain.ElementGateway:
		switch el.GatewayKind {
		case domain.GatewayExclusive, domain.GatewayParallel, domain.GatewayInclusive, domain.GatewayEventBased:
		default:
			add(id, "unknown gateway kind %q", el.GatewayKind)
		}
	case domain.ElementEvent:
		switch el.EventKind {
		case domain.EventStart, domain.EventEnd:
		case domain.EventTimer:
			if el.Timer == nil {
				add(id, "timer event needs a timer definition")
			}
		case domain.EventMessage:
			if el.MessageName == "" {
				add(id, "message event needs a message name")
			}
		case domain.EventSignal:
			if el.SignalName == "" {
				add(id, "signal event needs a signal name")
			}
		default:
			add(id, "unknown event kind %q", el.EventKind)
		}
	case domain.ElementSubProcess:
		if el.SubProcess == nil {
			add(id, "sub-process element needs an embedded model")
		}
	case domain.ElementCallActivity:
		if el.CalledProcessKey == "" {
			add(id, "call activity needs a called process key")
		}
	default:
		add(id, "unknown element kind %q", el.Kind)
	}
}

func reachableFrom(model *domain.ProcessModel, start string) map[string]bool {
	reached := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, flow := range model.Flows {
			if flow.Source != current || reached[flow.Target] {
				continue
			}
			reached[flow.Target] = true
			frontier = append(frontier, flow.Target)
		}
	}
	return reached
}
