package executor

import (
	"context"
	"time"

	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// StaticResponseExecutor sends a fixed (context-interpolated) message to the
// user. Config:
//
//	text:    message body, {{path}} placeholders resolve against the context
//	buttons: optional list of {label, value} maps
//	event:   emitted event, default "next"
type StaticResponseExecutor struct{}

// Contract implements Executor.
func (e *StaticResponseExecutor) Contract() models.ExecutorContract {
	return models.ExecutorContract{
		Name:       "static-response",
		ConfigKeys: []string{"text", "buttons", "event"},
	}
}

// Timeout implements Executor. Static responses involve no I/O.
func (e *StaticResponseExecutor) Timeout() time.Duration { return time.Second }

// Execute implements Executor.
func (e *StaticResponseExecutor) Execute(ctx context.Context, rc *flow.RunContext, config map[string]any) (*Result, error) {
	text, _ := config["text"].(string)
	reply := &models.OutboundMessage{Text: rc.Interpolate(text)}
	reply.Buttons = parseButtons(config["buttons"])

	return &Result{
		Event: configEvent(config, models.EventNext),
		Reply: reply,
	}, nil
}

// ContextSetExecutor writes one value into the run context via the engine's
// merge step. Config:
//
//	key:   dotted context path (required)
//	value: value to store; strings are interpolated
//	event: emitted event, default "next"
type ContextSetExecutor struct{}

// Contract implements Executor.
func (e *ContextSetExecutor) Contract() models.ExecutorContract {
	return models.ExecutorContract{
		Name:       "context-set",
		ConfigKeys: []string{"key", "value", "event"},
	}
}

// Timeout implements Executor.
func (e *ContextSetExecutor) Timeout() time.Duration { return time.Second }

// Execute implements Executor.
func (e *ContextSetExecutor) Execute(ctx context.Context, rc *flow.RunContext, config map[string]any) (*Result, error) {
	key, _ := config["key"].(string)
	if key == "" {
		return nil, errMissingConfig("context-set", "key")
	}
	value := config["value"]
	if s, ok := value.(string); ok {
		value = rc.Interpolate(s)
	}
	return &Result{
		Outputs: map[string]any{key: value},
		Event:   configEvent(config, models.EventNext),
	}, nil
}

// configEvent reads the configured event name with a fallback.
func configEvent(config map[string]any, fallback string) string {
	if ev, ok := config["event"].(string); ok && ev != "" {
		return ev
	}
	return fallback
}

// parseButtons converts a config button list into model buttons. Malformed
// entries are skipped.
func parseButtons(v any) []models.Button {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []models.Button
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		label, _ := m["label"].(string)
		value, _ := m["value"].(string)
		if label == "" {
			continue
		}
		if value == "" {
			value = label
		}
		out = append(out, models.Button{Label: label, Value: value})
	}
	return out
}

type missingConfigError struct{ executor, key string }

func (e *missingConfigError) Error() string {
	return e.executor + " requires config key " + e.key
}

func errMissingConfig(executor, key string) error {
	return &missingConfigError{executor: executor, key: key}
}
