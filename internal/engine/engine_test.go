package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flowrelay/FlowRelay/internal/executor"
	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
)

type fakeRunStore struct {
	runs  map[string]models.FlowRun
	saves int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]models.FlowRun)}
}

func (s *fakeRunStore) GetRun(id string) (*models.FlowRun, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *fakeRunStore) SaveRun(run models.FlowRun) error {
	s.runs[run.ID] = run
	s.saves++
	return nil
}

type stubExecutor struct {
	name string
	fn   func(rc *flow.RunContext, config map[string]any) (*executor.Result, error)
}

func (s *stubExecutor) Contract() models.ExecutorContract {
	return models.ExecutorContract{Name: s.name, Events: []string{models.EventNext}}
}

func (s *stubExecutor) Timeout() time.Duration { return 0 }

func (s *stubExecutor) Execute(_ context.Context, rc *flow.RunContext, config map[string]any) (*executor.Result, error) {
	return s.fn(rc, config)
}

func replyExecutor(name, text string) *stubExecutor {
	return &stubExecutor{name: name, fn: func(rc *flow.RunContext, config map[string]any) (*executor.Result, error) {
		return &executor.Result{Reply: &models.OutboundMessage{Text: rc.Interpolate(text)}}, nil
	}}
}

func newTestRegistry(execs ...executor.Executor) *executor.Registry {
	reg := executor.NewRegistry()
	for _, ex := range execs {
		reg.Register(ex)
	}
	return reg
}

func greetingFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:           "greeting",
		Version:      1,
		InitialState: "greet",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"greet": {
				Type:        models.StateTypeAction,
				Actions:     []models.ActionSpec{{Executor: "say-hello"}},
				Transitions: map[string]string{models.EventNext: "done"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
}

func TestStartRunCompletesSingleTurnFlow(t *testing.T) {
	store := newFakeRunStore()
	eng := NewEngine(store, newTestRegistry(replyExecutor("say-hello", "Hello!")))

	res, err := eng.StartRun(context.Background(), greetingFlow(), "webchat:u1", nil)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if res.Run.Status != models.RunStatusCompleted {
		t.Errorf("expected completed run, got %s", res.Run.Status)
	}
	if res.Suspended() {
		t.Error("completed run should not report suspended")
	}
	if len(res.Replies) != 1 || res.Replies[0].Text != "Hello!" {
		t.Errorf("unexpected replies: %+v", res.Replies)
	}
	saved, _ := store.GetRun(res.Run.ID)
	if saved == nil || saved.Status != models.RunStatusCompleted {
		t.Errorf("run not persisted as completed: %+v", saved)
	}
}

func TestWaitStateSuspendsAndResumes(t *testing.T) {
	def := &models.FlowDefinition{
		ID:           "ask-name",
		Version:      1,
		InitialState: "ask",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"ask": {
				Type:        models.StateTypeWait,
				Actions:     []models.ActionSpec{{Executor: "prompt"}},
				Transitions: map[string]string{models.EventReceived: "thank"},
			},
			"thank": {
				Type:        models.StateTypeAction,
				Actions:     []models.ActionSpec{{Executor: "thank"}},
				Transitions: map[string]string{models.EventNext: "done"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
	store := newFakeRunStore()
	eng := NewEngine(store, newTestRegistry(
		replyExecutor("prompt", "What is your name?"),
		replyExecutor("thank", "Thanks, {{input.text}}!"),
	))

	res, err := eng.StartRun(context.Background(), def, "webchat:u1", nil)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if !res.Suspended() {
		t.Fatalf("expected run suspended at wait state, status %s", res.Run.Status)
	}
	if res.Run.CurrentState != "ask" {
		t.Errorf("expected run parked at ask, got %s", res.Run.CurrentState)
	}

	res2, err := eng.Advance(context.Background(), res.Run, def, "Ada")
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if res2.Run.Status != models.RunStatusCompleted {
		t.Errorf("expected completed run, got %s", res2.Run.Status)
	}
	if len(res2.Replies) != 1 || res2.Replies[0].Text != "Thanks, Ada!" {
		t.Errorf("inbound text not interpolated into reply: %+v", res2.Replies)
	}
}

func TestAdvanceRejectsNonActiveRun(t *testing.T) {
	eng := NewEngine(newFakeRunStore(), newTestRegistry())
	run := &models.FlowRun{ID: "r1", Status: models.RunStatusCompleted}
	if _, err := eng.Advance(context.Background(), run, greetingFlow(), "hi"); !errors.Is(err, models.ErrRunNotActive) {
		t.Errorf("expected ErrRunNotActive, got %v", err)
	}
}

func TestRetryBudgetSynthesizesErrorEvent(t *testing.T) {
	calls := 0
	failing := &stubExecutor{name: "flaky", fn: func(rc *flow.RunContext, config map[string]any) (*executor.Result, error) {
		calls++
		return nil, fmt.Errorf("backend unreachable")
	}}
	def := &models.FlowDefinition{
		ID:           "fragile",
		Version:      1,
		InitialState: "call",
		FinalStates:  []string{"sorry"},
		States: map[string]models.State{
			"call": {
				Type:    models.StateTypeAction,
				Actions: []models.ActionSpec{{Executor: "flaky"}},
				Transitions: map[string]string{
					models.EventNext:  "sorry",
					models.EventError: "sorry",
				},
			},
			"sorry": {
				Type:    models.StateTypeEnd,
				Actions: []models.ActionSpec{{Executor: "apology"}},
			},
		},
	}
	store := newFakeRunStore()
	eng := NewEngine(store, newTestRegistry(failing, replyExecutor("apology", "Something went wrong.")))

	res, err := eng.StartRun(context.Background(), def, "webchat:u1", nil)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if calls != DefaultMaxStateRetries {
		t.Errorf("expected %d attempts, got %d", DefaultMaxStateRetries, calls)
	}
	if res.Run.Status != models.RunStatusCompleted {
		t.Errorf("expected error event to route to apology end state, got status %s", res.Run.Status)
	}
	if len(res.Replies) != 1 || res.Replies[0].Text != "Something went wrong." {
		t.Errorf("unexpected replies: %+v", res.Replies)
	}
}

func TestWaitStateEntryFailureRoutesErrorEvent(t *testing.T) {
	failing := &stubExecutor{name: "flaky", fn: func(rc *flow.RunContext, config map[string]any) (*executor.Result, error) {
		return nil, fmt.Errorf("backend unreachable")
	}}
	def := &models.FlowDefinition{
		ID:           "ask-broken",
		Version:      1,
		InitialState: "ask",
		FinalStates:  []string{"sorry"},
		States: map[string]models.State{
			"ask": {
				Type:    models.StateTypeWait,
				Actions: []models.ActionSpec{{Executor: "flaky"}},
				Transitions: map[string]string{
					models.EventReceived: "sorry",
					models.EventError:    "sorry",
				},
			},
			"sorry": {
				Type:    models.StateTypeEnd,
				Actions: []models.ActionSpec{{Executor: "apology"}},
			},
		},
	}
	store := newFakeRunStore()
	eng := NewEngine(store, newTestRegistry(failing, replyExecutor("apology", "Something went wrong.")))

	res, err := eng.StartRun(context.Background(), def, "webchat:u1", nil)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if res.Suspended() {
		t.Fatal("run must not suspend on a wait state whose entry actions exhausted their retries")
	}
	if res.Run.Status != models.RunStatusCompleted || res.Run.CurrentState != "sorry" {
		t.Errorf("error event not routed: status=%s state=%s", res.Run.Status, res.Run.CurrentState)
	}
	if len(res.Replies) != 1 || res.Replies[0].Text != "Something went wrong." {
		t.Errorf("user left without a reply: %+v", res.Replies)
	}
}

func TestWaitStateEntryFailureWithoutErrorRouteFailsRun(t *testing.T) {
	failing := &stubExecutor{name: "flaky", fn: func(rc *flow.RunContext, config map[string]any) (*executor.Result, error) {
		return nil, fmt.Errorf("backend unreachable")
	}}
	def := &models.FlowDefinition{
		ID:           "ask-unrouted",
		Version:      1,
		InitialState: "ask",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"ask": {
				Type:        models.StateTypeWait,
				Actions:     []models.ActionSpec{{Executor: "flaky"}},
				Transitions: map[string]string{models.EventReceived: "done"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
	store := newFakeRunStore()
	eng := NewEngine(store, newTestRegistry(failing))

	res, err := eng.StartRun(context.Background(), def, "webchat:u1", nil)
	var defect *models.DefinitionDefectError
	if !errors.As(err, &defect) {
		t.Fatalf("expected DefinitionDefectError, got %v", err)
	}
	if res.Run.Status != models.RunStatusFailed {
		t.Errorf("expected failed run, got %s", res.Run.Status)
	}
}

func TestMissingTransitionFailsRun(t *testing.T) {
	def := greetingFlow()
	state := def.States["greet"]
	state.Transitions = map[string]string{"elsewhere": "done"}
	def.States["greet"] = state

	store := newFakeRunStore()
	eng := NewEngine(store, newTestRegistry(replyExecutor("say-hello", "Hello!")))

	res, err := eng.StartRun(context.Background(), def, "webchat:u1", nil)
	var defect *models.DefinitionDefectError
	if !errors.As(err, &defect) {
		t.Fatalf("expected DefinitionDefectError, got %v", err)
	}
	if defect.StateID != "greet" {
		t.Errorf("defect names wrong state: %s", defect.StateID)
	}
	if res.Run.Status != models.RunStatusFailed {
		t.Errorf("expected failed run, got %s", res.Run.Status)
	}
	saved, _ := store.GetRun(res.Run.ID)
	if saved == nil || saved.Status != models.RunStatusFailed {
		t.Errorf("failed run not persisted: %+v", saved)
	}
}

func TestTransitionCapStopsCyclicDefinitions(t *testing.T) {
	bounce := &stubExecutor{name: "noop", fn: func(rc *flow.RunContext, config map[string]any) (*executor.Result, error) {
		return &executor.Result{}, nil
	}}
	def := &models.FlowDefinition{
		ID:           "pingpong",
		Version:      1,
		InitialState: "ping",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"ping": {
				Type:        models.StateTypeAction,
				Actions:     []models.ActionSpec{{Executor: "noop"}},
				Transitions: map[string]string{models.EventNext: "pong"},
			},
			"pong": {
				Type:        models.StateTypeAction,
				Actions:     []models.ActionSpec{{Executor: "noop"}},
				Transitions: map[string]string{models.EventNext: "ping"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
	eng := NewEngine(newFakeRunStore(), newTestRegistry(bounce), WithMaxTransitions(10))

	res, err := eng.StartRun(context.Background(), def, "webchat:u1", nil)
	var defect *models.DefinitionDefectError
	if !errors.As(err, &defect) {
		t.Fatalf("expected DefinitionDefectError, got %v", err)
	}
	if res.Run.Status != models.RunStatusFailed {
		t.Errorf("expected failed run, got %s", res.Run.Status)
	}
}

func TestCancellationDiscardsTurnWithoutPersisting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := &stubExecutor{name: "slow", fn: func(rc *flow.RunContext, config map[string]any) (*executor.Result, error) {
		cancel()
		return &executor.Result{Outputs: map[string]any{"value": 1}}, nil
	}}
	def := &models.FlowDefinition{
		ID:           "cancellable",
		Version:      1,
		InitialState: "work",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"work": {
				Type:        models.StateTypeAction,
				Actions:     []models.ActionSpec{{Executor: "slow"}},
				Transitions: map[string]string{models.EventNext: "done"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
	store := newFakeRunStore()
	eng := NewEngine(store, newTestRegistry(cancelling))

	_, err := eng.StartRun(ctx, def, "webchat:u1", nil)
	if !errors.Is(err, models.ErrRunCancelled) && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if store.saves != 0 {
		t.Errorf("cancelled turn must not persist, saw %d saves", store.saves)
	}
}

func TestContextSeedVisibleToExecutors(t *testing.T) {
	eng := NewEngine(newFakeRunStore(), newTestRegistry(replyExecutor("say-hello", "Hi {{session.language}}")))
	res, err := eng.StartRun(context.Background(), greetingFlow(), "webchat:u1", map[string]any{
		"session": map[string]any{"language": "en"},
	})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if res.Replies[0].Text != "Hi en" {
		t.Errorf("seed context not visible: %q", res.Replies[0].Text)
	}
}
