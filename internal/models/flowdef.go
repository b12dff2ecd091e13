package models

import (
	"errors"
	"time"
)

// StateType defines how a state of a flow behaves.
type StateType string

const (
	// StateTypeAction runs its actions and auto-advances on the produced event.
	StateTypeAction StateType = "action"
	// StateTypeDecision behaves like action; the distinct type documents intent
	// (branching on context, no user-visible output expected).
	StateTypeDecision StateType = "decision"
	// StateTypeWait runs its actions, persists the run, and suspends until the
	// next inbound message arrives.
	StateTypeWait StateType = "wait"
	// StateTypeEnd runs exit actions and marks the run terminal.
	StateTypeEnd StateType = "end"
)

// Conventional event names emitted by executors and synthesized by the engine.
const (
	// EventNext is the default event for actions that declare none.
	EventNext = "next"
	// EventReceived is the event applied when a wait state resumes with no
	// onResume actions declared.
	EventReceived = "received"
	// EventError is synthesized when a state's actions exhaust their retry budget.
	EventError = "error"
	// EventSuccess and EventFailure are the conventional backend-call outcomes.
	EventSuccess = "success"
	EventFailure = "failure"
)

// ContextKeyInput is the conventional context path where the engine stores the
// raw inbound message that resumed a wait state.
const ContextKeyInput = "input.text"

// Validation error variables for flow definitions.
var (
	ErrFlowEmptyID           = errors.New("flow id cannot be empty")
	ErrFlowNoStates          = errors.New("flow must declare at least one state")
	ErrFlowNoInitialState    = errors.New("flow must declare an initial state")
	ErrFlowUnknownInitial    = errors.New("initial state does not exist")
	ErrFlowNoFinalStates     = errors.New("flow must declare at least one final state")
	ErrFlowInvalidStateType  = errors.New("invalid state type")
	ErrFlowEndWithTransition = errors.New("end state cannot declare outgoing transitions")
)

// ActionSpec binds one executor invocation inside a state: which executor to
// run, its config, and where in the run context its outputs land.
type ActionSpec struct {
	Executor  string         `json:"executor"`
	Config    map[string]any `json:"config,omitempty"`
	OutputKey string         `json:"output_key,omitempty"` // dotted context path; empty merges at top level
}

// State is one node of a flow graph.
type State struct {
	Type StateType `json:"type"`
	// Actions run when the state is entered, in declared order.
	Actions []ActionSpec `json:"actions,omitempty"`
	// OnResume actions run when a wait state receives its answer, after the
	// inbound text is stored under ContextKeyInput. Ignored for other types.
	OnResume []ActionSpec `json:"on_resume,omitempty"`
	// Transitions maps emitted event names to next state IDs.
	Transitions map[string]string `json:"transitions,omitempty"`
}

// IsValidStateType checks if the given state type is supported.
func IsValidStateType(t StateType) bool {
	switch t {
	case StateTypeAction, StateTypeDecision, StateTypeWait, StateTypeEnd:
		return true
	default:
		return false
	}
}

// FlowDefinition is a versioned, immutable-once-published dialogue state machine.
type FlowDefinition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Module scopes the flow to one business domain; ModuleGeneral matches all.
	Module string `json:"module"`
	// Trigger is matched against the classified intent (exact match, or
	// prefix match when it ends with '*').
	Trigger string `json:"trigger"`
	// Priority orders competing matches; lower is preferred.
	Priority int `json:"priority"`
	// SystemCritical flows cannot be disabled; the triage/greeting/help paths
	// must always exist so the system never goes silent.
	SystemCritical bool             `json:"system_critical"`
	Version        int              `json:"version"`
	Enabled        bool             `json:"enabled"`
	States         map[string]State `json:"states"`
	InitialState   string           `json:"initial_state"`
	FinalStates    []string         `json:"final_states"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// MatchesTrigger reports whether the classified intent matches this flow's
// trigger pattern.
func (f *FlowDefinition) MatchesTrigger(intent string) bool {
	if f.Trigger == "" {
		return false
	}
	if n := len(f.Trigger); f.Trigger[n-1] == '*' {
		prefix := f.Trigger[:n-1]
		return len(intent) >= len(prefix) && intent[:len(prefix)] == prefix
	}
	return f.Trigger == intent
}

// IsFinal reports whether the given state ID is declared terminal.
func (f *FlowDefinition) IsFinal(stateID string) bool {
	for _, s := range f.FinalStates {
		if s == stateID {
			return true
		}
	}
	return false
}
