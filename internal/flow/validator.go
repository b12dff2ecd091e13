package flow

import (
	"fmt"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// ExecutorLookup is the slice of the executor registry the validator needs.
// Keeping it an interface avoids a package cycle with internal/executor.
type ExecutorLookup interface {
	Has(name string) bool
	Contract(name string) (models.ExecutorContract, bool)
}

// ValidationResult separates hard errors (reject the flow) from warnings
// (publish proceeds, operator should look).
type ValidationResult struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether the flow passed validation with no errors.
func (r *ValidationResult) OK() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate performs the static integrity checks on a flow definition:
// initial/final states exist, every transition target exists, every referenced
// executor is registered, every non-final state has at least one transition,
// and all states are reachable from the initial state. Unreachable states are
// warnings rather than errors since defensive dead states are sometimes
// intentional.
func Validate(def *models.FlowDefinition, executors ExecutorLookup) ValidationResult {
	var res ValidationResult

	if def.ID == "" {
		res.errorf("%v", models.ErrFlowEmptyID)
	}
	if len(def.States) == 0 {
		res.errorf("%v", models.ErrFlowNoStates)
		return res
	}
	if def.InitialState == "" {
		res.errorf("%v", models.ErrFlowNoInitialState)
	} else if _, ok := def.States[def.InitialState]; !ok {
		res.errorf("initial state %q does not exist", def.InitialState)
	}
	if len(def.FinalStates) == 0 {
		res.errorf("%v", models.ErrFlowNoFinalStates)
	}
	for _, fs := range def.FinalStates {
		if _, ok := def.States[fs]; !ok {
			res.errorf("final state %q does not exist", fs)
		}
	}

	for id, state := range def.States {
		validateState(def, id, state, executors, &res)
	}

	for _, id := range unreachableStates(def) {
		res.warnf("state %q is unreachable from initial state %q", id, def.InitialState)
	}

	return res
}

func validateState(def *models.FlowDefinition, id string, state models.State, executors ExecutorLookup, res *ValidationResult) {
	if !models.IsValidStateType(state.Type) {
		res.errorf("state %q has invalid type %q", id, state.Type)
		return
	}

	for event, target := range state.Transitions {
		if _, ok := def.States[target]; !ok {
			res.errorf("state %q transition on %q targets unknown state %q", id, event, target)
		}
	}

	switch state.Type {
	case models.StateTypeEnd:
		if len(state.Transitions) > 0 {
			res.errorf("end state %q declares outgoing transitions", id)
		}
		if !def.IsFinal(id) {
			res.warnf("end state %q is not listed in final states", id)
		}
	default:
		if len(state.Transitions) == 0 {
			res.errorf("non-final state %q has no transitions", id)
		}
	}

	actions := append(append([]models.ActionSpec{}, state.Actions...), state.OnResume...)

	// Any state that runs actions can exhaust its retry budget and emit the
	// synthesized error event; a flow that leaves it unrouted fails at run time.
	if state.Type != models.StateTypeEnd && len(actions) > 0 {
		if _, ok := state.Transitions[models.EventError]; !ok {
			res.warnf("state %q runs actions but does not route the synthesized %q event", id, models.EventError)
		}
	}

	for _, a := range actions {
		if executors == nil || !executors.Has(a.Executor) {
			res.errorf("state %q references unregistered executor %q", id, a.Executor)
			continue
		}
		// A state whose executor can fail must declare where the synthesized
		// error event routes.
		contract, _ := executors.Contract(a.Executor)
		for _, ev := range contract.Events {
			if state.Type == models.StateTypeEnd {
				continue
			}
			if _, ok := state.Transitions[ev]; !ok {
				res.warnf("state %q does not route event %q declared by executor %q", id, ev, a.Executor)
			}
		}
	}
}

// unreachableStates runs a breadth-first traversal from the initial state and
// returns states never visited.
func unreachableStates(def *models.FlowDefinition) []string {
	if _, ok := def.States[def.InitialState]; !ok {
		return nil
	}
	visited := map[string]bool{def.InitialState: true}
	queue := []string{def.InitialState}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, target := range def.States[cur].Transitions {
			if !visited[target] {
				visited[target] = true
				queue = append(queue, target)
			}
		}
	}
	var out []string
	for id := range def.States {
		if !visited[id] {
			out = append(out, id)
		}
	}
	return out
}
