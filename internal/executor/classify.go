package executor

import (
	"context"
	"time"

	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// IntentRouter is the slice of the intent router this executor needs.
type IntentRouter interface {
	Route(ctx context.Context, text, module, language string) *models.IntentClassification
}

// IntentClassifyExecutor re-runs intent classification mid-flow, typically on
// the answer captured by a wait state. It reads the conventional input key and
// the session fields seeded by the dispatcher. Outputs land under "intent",
// "confidence" and "entities"; the emitted event is "next" for a confident
// result and "unclassified" otherwise.
type IntentClassifyExecutor struct {
	router IntentRouter
}

// NewIntentClassifyExecutor creates the intent-classify executor.
func NewIntentClassifyExecutor(router IntentRouter) *IntentClassifyExecutor {
	return &IntentClassifyExecutor{router: router}
}

// Contract implements Executor.
func (e *IntentClassifyExecutor) Contract() models.ExecutorContract {
	return models.ExecutorContract{
		Name:       "intent-classify",
		ConfigKeys: []string{"text"},
		OutputKeys: []string{"intent", "confidence", "entities"},
		Events:     []string{models.EventNext, "unclassified"},
	}
}

// Timeout implements Executor. Covers the full tier chain.
func (e *IntentClassifyExecutor) Timeout() time.Duration { return 12 * time.Second }

// Execute implements Executor.
func (e *IntentClassifyExecutor) Execute(ctx context.Context, rc *flow.RunContext, config map[string]any) (*Result, error) {
	text, _ := config["text"].(string)
	if text == "" {
		text = rc.GetString(models.ContextKeyInput)
	} else {
		text = rc.Interpolate(text)
	}

	cls := e.router.Route(ctx, text, rc.GetString("session.module"), rc.GetString("session.language"))

	event := models.EventNext
	if cls.Unclassified() {
		event = "unclassified"
	}
	return &Result{
		Outputs: map[string]any{
			"intent":     cls.Intent,
			"confidence": cls.Confidence,
			"entities":   cls.Entities,
		},
		Event: event,
	}, nil
}
