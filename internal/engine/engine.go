// Package engine drives flow runs: it enters states, dispatches actions to
// registered executors, merges their outputs into the run context, and follows
// transitions until the run suspends on a wait state or reaches an end state.
//
// The engine is deliberately dumb about conversation semantics. Everything it
// knows comes from the definition snapshot a run started with, so publishing a
// new flow version never disturbs in-flight runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowrelay/FlowRelay/internal/executor"
	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
)

const (
	// DefaultMaxStateRetries bounds how often one state's actions are re-run
	// after failures before the engine synthesizes an error event.
	DefaultMaxStateRetries = 3
	// DefaultMaxTransitions bounds automatic transitions within a single turn
	// so a cyclic definition cannot spin forever.
	DefaultMaxTransitions = 25
)

// RunStore is the persistence seam the engine writes runs through.
type RunStore interface {
	GetRun(id string) (*models.FlowRun, error)
	SaveRun(run models.FlowRun) error
}

// Opts holds the engine configuration options.
type Opts struct {
	MaxStateRetries int
	MaxTransitions  int
}

// Option configures the engine.
type Option func(*Opts)

// WithMaxStateRetries overrides the per-state retry budget.
func WithMaxStateRetries(n int) Option {
	return func(o *Opts) { o.MaxStateRetries = n }
}

// WithMaxTransitions overrides the per-turn automatic transition cap.
func WithMaxTransitions(n int) Option {
	return func(o *Opts) { o.MaxTransitions = n }
}

// Engine executes flow runs against a definition snapshot.
type Engine struct {
	store     RunStore
	executors *executor.Registry
	opts      Opts
}

// NewEngine creates a flow engine backed by the given run store and executor
// registry.
func NewEngine(store RunStore, executors *executor.Registry, opts ...Option) *Engine {
	cfg := Opts{
		MaxStateRetries: DefaultMaxStateRetries,
		MaxTransitions:  DefaultMaxTransitions,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{store: store, executors: executors, opts: cfg}
}

// TurnResult is what one engine turn produces: the run after the turn (already
// persisted unless the turn was cancelled) and the replies queued by executors,
// in emission order.
type TurnResult struct {
	Run     *models.FlowRun
	Replies []models.OutboundMessage
}

// Suspended reports whether the run is parked on a wait state expecting the
// next inbound message.
func (t *TurnResult) Suspended() bool {
	return t.Run != nil && t.Run.Status == models.RunStatusActive
}

// StartRun creates a run for the given definition and executes it from the
// initial state until it suspends or terminates. The seed map becomes the
// initial run context.
func (e *Engine) StartRun(ctx context.Context, def *models.FlowDefinition, sessionKey string, seed map[string]any) (*TurnResult, error) {
	now := time.Now()
	run := &models.FlowRun{
		ID:           uuid.New().String(),
		FlowID:       def.ID,
		FlowVersion:  def.Version,
		SessionKey:   sessionKey,
		CurrentState: def.InitialState,
		Status:       models.RunStatusActive,
		StepAttempts: make(map[string]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rc := flow.NewRunContext(seed)
	slog.Info("Engine starting run", "runID", run.ID, "flowID", def.ID, "version", def.Version, "sessionKey", sessionKey)
	return e.runFrom(ctx, run, def, rc, def.InitialState, nil)
}

// Advance resumes a run suspended on a wait state with the user's inbound
// text. The text is stored under the conventional input path, the state's
// onResume actions run, and the engine follows transitions until the run
// suspends again or terminates.
func (e *Engine) Advance(ctx context.Context, run *models.FlowRun, def *models.FlowDefinition, input string) (*TurnResult, error) {
	if run.Status != models.RunStatusActive {
		return nil, fmt.Errorf("%w: run %s has status %s", models.ErrRunNotActive, run.ID, run.Status)
	}
	state, ok := def.States[run.CurrentState]
	if !ok {
		return e.failRun(run, flow.NewRunContext(run.Context), &models.DefinitionDefectError{
			FlowID: def.ID, StateID: run.CurrentState, Detail: "current state not present in definition",
		})
	}
	if state.Type != models.StateTypeWait {
		return nil, fmt.Errorf("%w: run %s is not suspended at a wait state", models.ErrRunNotActive, run.ID)
	}

	rc := flow.NewRunContext(run.Context)
	rc.Set(models.ContextKeyInput, input)
	slog.Debug("Engine resuming run", "runID", run.ID, "state", run.CurrentState)

	event, replies, err := e.runActions(ctx, run, def, run.CurrentState, state.OnResume, models.EventReceived, rc)
	if err != nil {
		return e.actionFailure(run, def, rc, run.CurrentState, err)
	}

	next, ok := state.Transitions[event]
	if !ok {
		return e.failRun(run, rc, &models.DefinitionDefectError{
			FlowID: def.ID, StateID: run.CurrentState,
			Detail: fmt.Sprintf("no transition for event %q", event),
		})
	}
	res, err := e.runFrom(ctx, run, def, rc, next, replies)
	return res, err
}

// runFrom enters stateID and follows transitions until the run suspends on a
// wait state, terminates, or trips a guard. Accumulated replies are prepended
// to anything the visited states emit.
func (e *Engine) runFrom(ctx context.Context, run *models.FlowRun, def *models.FlowDefinition, rc *flow.RunContext, stateID string, replies []models.OutboundMessage) (*TurnResult, error) {
	current := stateID
	for steps := 0; ; steps++ {
		if steps >= e.opts.MaxTransitions {
			return e.failRun(run, rc, &models.DefinitionDefectError{
				FlowID: def.ID, StateID: current,
				Detail: fmt.Sprintf("automatic transition limit of %d exceeded", e.opts.MaxTransitions),
			})
		}
		state, ok := def.States[current]
		if !ok {
			return e.failRun(run, rc, &models.DefinitionDefectError{
				FlowID: def.ID, StateID: current, Detail: "state not present in definition",
			})
		}
		run.CurrentState = current

		event, reps, err := e.runActions(ctx, run, def, current, state.Actions, models.EventNext, rc)
		if err != nil {
			return e.actionFailure(run, def, rc, current, err)
		}
		replies = append(replies, reps...)

		switch state.Type {
		case models.StateTypeWait:
			// A synthesized error event from the entry actions must follow the
			// declared error transition; only a clean entry suspends.
			if event != models.EventError {
				if err := e.persist(run, rc); err != nil {
					return nil, err
				}
				slog.Debug("Engine run suspended", "runID", run.ID, "state", current)
				return &TurnResult{Run: run, Replies: replies}, nil
			}
		case models.StateTypeEnd:
			run.Status = models.RunStatusCompleted
			if err := e.persist(run, rc); err != nil {
				return nil, err
			}
			slog.Info("Engine run completed", "runID", run.ID, "flowID", run.FlowID, "state", current)
			return &TurnResult{Run: run, Replies: replies}, nil
		}

		next, ok := state.Transitions[event]
		if !ok {
			return e.failRun(run, rc, &models.DefinitionDefectError{
				FlowID: def.ID, StateID: current,
				Detail: fmt.Sprintf("no transition for event %q", event),
			})
		}
		current = next
	}
}

// runActions executes a state's action list. Executors only return outputs;
// merging into the context happens here, which is what makes re-running the
// list after a failure safe. The whole list is retried until the state's
// budget is exhausted, at which point the error event is synthesized.
func (e *Engine) runActions(ctx context.Context, run *models.FlowRun, def *models.FlowDefinition, stateID string, actions []models.ActionSpec, fallback string, rc *flow.RunContext) (string, []models.OutboundMessage, error) {
	if len(actions) == 0 {
		return fallback, nil, nil
	}

	for {
		event, replies, err := e.runActionsOnce(ctx, actions, rc)
		if err == nil {
			delete(run.StepAttempts, stateID)
			if event == "" {
				event = fallback
			}
			return event, replies, nil
		}
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("%w: %s", models.ErrRunCancelled, run.ID)
		}

		run.StepAttempts[stateID]++
		attempts := run.StepAttempts[stateID]
		if attempts >= e.opts.MaxStateRetries {
			slog.Error("Engine state exhausted retry budget", "runID", run.ID, "flowID", def.ID, "state", stateID, "attempts", attempts, "error", err)
			return models.EventError, nil, nil
		}
		slog.Warn("Engine state action failed, retrying", "runID", run.ID, "state", stateID, "attempt", attempts, "error", err)
	}
}

// runActionsOnce performs a single pass over an action list. The returned
// event is the last non-empty event an action emitted.
func (e *Engine) runActionsOnce(ctx context.Context, actions []models.ActionSpec, rc *flow.RunContext) (string, []models.OutboundMessage, error) {
	var event string
	var replies []models.OutboundMessage
	for _, action := range actions {
		ex, err := e.executors.Get(action.Executor)
		if err != nil {
			return "", nil, err
		}

		actx := ctx
		var cancel context.CancelFunc
		if t := ex.Timeout(); t > 0 {
			actx, cancel = context.WithTimeout(ctx, t)
		}
		res, err := ex.Execute(actx, rc, action.Config)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return "", nil, fmt.Errorf("executor %s failed: %w", action.Executor, err)
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}

		rc.Merge(action.OutputKey, res.Outputs)
		if res.Reply != nil {
			replies = append(replies, *res.Reply)
		}
		if res.Event != "" {
			event = res.Event
		}
	}
	return event, replies, nil
}

// actionFailure routes a non-retryable action error. Cancellation discards the
// turn without persisting; an unregistered executor is a definition defect.
func (e *Engine) actionFailure(run *models.FlowRun, def *models.FlowDefinition, rc *flow.RunContext, stateID string, err error) (*TurnResult, error) {
	if isCancelled(err) {
		slog.Info("Engine run turn discarded after cancellation", "runID", run.ID, "state", stateID)
		return nil, err
	}
	return e.failRun(run, rc, &models.DefinitionDefectError{
		FlowID: def.ID, StateID: stateID, Detail: err.Error(),
	})
}

// failRun marks the run failed, persists it, and surfaces the defect.
func (e *Engine) failRun(run *models.FlowRun, rc *flow.RunContext, defect *models.DefinitionDefectError) (*TurnResult, error) {
	run.Status = models.RunStatusFailed
	if err := e.persist(run, rc); err != nil {
		slog.Error("Engine failed to persist failed run", "error", err, "runID", run.ID)
	}
	slog.Error("Engine run failed", "runID", run.ID, "flowID", run.FlowID, "state", run.CurrentState, "detail", defect.Detail)
	return &TurnResult{Run: run}, defect
}

// persist snapshots the run context and saves the run.
func (e *Engine) persist(run *models.FlowRun, rc *flow.RunContext) error {
	run.Context = rc.Snapshot()
	run.UpdatedAt = time.Now()
	if err := e.store.SaveRun(*run); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", run.ID, err)
	}
	return nil
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, models.ErrRunCancelled)
}
