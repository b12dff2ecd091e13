package flow

import (
	"strings"
	"testing"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// fakeLookup registers executor names, optionally with declared contract events.
type fakeLookup struct {
	contracts map[string]models.ExecutorContract
}

func newFakeLookup(names ...string) *fakeLookup {
	l := &fakeLookup{contracts: make(map[string]models.ExecutorContract)}
	for _, n := range names {
		l.contracts[n] = models.ExecutorContract{}
	}
	return l
}

func (l *fakeLookup) Has(name string) bool {
	_, ok := l.contracts[name]
	return ok
}

func (l *fakeLookup) Contract(name string) (models.ExecutorContract, bool) {
	c, ok := l.contracts[name]
	return c, ok
}

func validDefinition() models.FlowDefinition {
	return models.FlowDefinition{
		ID:           "order-food",
		Trigger:      "order_food",
		InitialState: "ask",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"ask": {
				Type:    models.StateTypeWait,
				Actions: []models.ActionSpec{{Executor: "static-response"}},
				Transitions: map[string]string{
					models.EventReceived: "done",
					models.EventError:    "done",
				},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
}

func hasMatch(list []string, substr string) bool {
	for _, s := range list {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestValidateAcceptsWellFormedFlow(t *testing.T) {
	def := validDefinition()
	res := Validate(&def, newFakeLookup("static-response"))
	if !res.OK() {
		t.Fatalf("well-formed flow rejected: %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
}

func TestValidateMissingInitialState(t *testing.T) {
	def := validDefinition()
	def.InitialState = "nowhere"
	res := Validate(&def, newFakeLookup("static-response"))
	if res.OK() || !hasMatch(res.Errors, `initial state "nowhere"`) {
		t.Errorf("expected initial-state error, got %v", res.Errors)
	}
}

func TestValidateUnknownTransitionTarget(t *testing.T) {
	def := validDefinition()
	st := def.States["ask"]
	st.Transitions = map[string]string{models.EventReceived: "ghost"}
	def.States["ask"] = st
	res := Validate(&def, newFakeLookup("static-response"))
	if res.OK() || !hasMatch(res.Errors, `unknown state "ghost"`) {
		t.Errorf("expected transition-target error, got %v", res.Errors)
	}
}

func TestValidateUnregisteredExecutor(t *testing.T) {
	def := validDefinition()
	res := Validate(&def, newFakeLookup())
	if res.OK() || !hasMatch(res.Errors, `unregistered executor "static-response"`) {
		t.Errorf("expected unregistered-executor error, got %v", res.Errors)
	}
}

func TestValidateEndStateWithTransitions(t *testing.T) {
	def := validDefinition()
	def.States["done"] = models.State{
		Type:        models.StateTypeEnd,
		Transitions: map[string]string{"next": "ask"},
	}
	res := Validate(&def, newFakeLookup("static-response"))
	if res.OK() || !hasMatch(res.Errors, "declares outgoing transitions") {
		t.Errorf("expected end-state error, got %v", res.Errors)
	}
}

func TestValidateNonFinalStateWithoutTransitions(t *testing.T) {
	def := validDefinition()
	def.States["ask"] = models.State{
		Type:    models.StateTypeAction,
		Actions: []models.ActionSpec{{Executor: "static-response"}},
	}
	res := Validate(&def, newFakeLookup("static-response"))
	if res.OK() || !hasMatch(res.Errors, "has no transitions") {
		t.Errorf("expected no-transitions error, got %v", res.Errors)
	}
}

func TestValidateWarnsOnUnreachableState(t *testing.T) {
	def := validDefinition()
	def.States["island"] = models.State{Type: models.StateTypeEnd}
	def.FinalStates = append(def.FinalStates, "island")
	res := Validate(&def, newFakeLookup("static-response"))
	if !res.OK() {
		t.Fatalf("unreachable state must be a warning, got errors %v", res.Errors)
	}
	if !hasMatch(res.Warnings, `state "island" is unreachable`) {
		t.Errorf("expected unreachable warning, got %v", res.Warnings)
	}
}

func TestValidateWarnsOnUnroutedContractEvent(t *testing.T) {
	lookup := newFakeLookup()
	lookup.contracts["backend-call-order"] = models.ExecutorContract{
		Events: []string{models.EventSuccess, models.EventFailure},
	}

	def := validDefinition()
	def.States["ask"] = models.State{
		Type:        models.StateTypeAction,
		Actions:     []models.ActionSpec{{Executor: "backend-call-order"}},
		Transitions: map[string]string{models.EventSuccess: "done"},
	}
	res := Validate(&def, lookup)
	if !res.OK() {
		t.Fatalf("unrouted contract event must be a warning, got errors %v", res.Errors)
	}
	if !hasMatch(res.Warnings, `does not route event "failure"`) {
		t.Errorf("expected unrouted-event warning, got %v", res.Warnings)
	}
}

func TestValidateWarnsOnMissingErrorRoute(t *testing.T) {
	def := validDefinition()
	st := def.States["ask"]
	st.Transitions = map[string]string{models.EventReceived: "done"}
	def.States["ask"] = st
	res := Validate(&def, newFakeLookup("static-response"))
	if !res.OK() {
		t.Fatalf("missing error route must stay a warning, got errors %v", res.Errors)
	}
	if !hasMatch(res.Warnings, `does not route the synthesized "error" event`) {
		t.Errorf("expected error-route warning, got %v", res.Warnings)
	}

	// A state without actions cannot fail and needs no error route.
	def.States["ask"] = models.State{
		Type:        models.StateTypeWait,
		Transitions: map[string]string{models.EventReceived: "done"},
	}
	res = Validate(&def, newFakeLookup("static-response"))
	if hasMatch(res.Warnings, "synthesized") {
		t.Errorf("action-less state should not warn: %v", res.Warnings)
	}
}

func TestValidateEmptyFlow(t *testing.T) {
	def := models.FlowDefinition{}
	res := Validate(&def, newFakeLookup())
	if res.OK() {
		t.Fatal("empty definition must not validate")
	}
	if !hasMatch(res.Errors, "at least one state") {
		t.Errorf("expected no-states error, got %v", res.Errors)
	}
}
