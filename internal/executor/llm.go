package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/genai"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// DefaultLLMTimeout bounds one generative model call.
const DefaultLLMTimeout = 10 * time.Second

// LLMExecutor generates free text with the generation model. Config:
//
//	system_prompt: system instruction (required)
//	user_prompt:   user content, {{path}} placeholders interpolated (required)
//	reply:         when true, the generated text is also sent to the user
//	event:         emitted event, default "next"
//
// The generated text lands in outputs under "text".
type LLMExecutor struct {
	client  *genai.Client
	timeout time.Duration
}

// NewLLMExecutor creates the llm executor around a GenAI client.
func NewLLMExecutor(client *genai.Client) *LLMExecutor {
	return &LLMExecutor{client: client, timeout: DefaultLLMTimeout}
}

// Contract implements Executor.
func (e *LLMExecutor) Contract() models.ExecutorContract {
	return models.ExecutorContract{
		Name:       "llm",
		ConfigKeys: []string{"system_prompt", "user_prompt", "reply", "event"},
		OutputKeys: []string{"text"},
	}
}

// Timeout implements Executor.
func (e *LLMExecutor) Timeout() time.Duration { return e.timeout }

// Execute implements Executor.
func (e *LLMExecutor) Execute(ctx context.Context, rc *flow.RunContext, config map[string]any) (*Result, error) {
	systemPrompt, _ := config["system_prompt"].(string)
	userPrompt, _ := config["user_prompt"].(string)
	if systemPrompt == "" {
		return nil, errMissingConfig("llm", "system_prompt")
	}
	if userPrompt == "" {
		return nil, errMissingConfig("llm", "user_prompt")
	}

	text, err := e.client.Generate(ctx, rc.Interpolate(systemPrompt), rc.Interpolate(userPrompt))
	if err != nil {
		return nil, fmt.Errorf("llm generation failed: %w", err)
	}
	slog.Debug("LLMExecutor generated text", "length", len(text))

	res := &Result{
		Outputs: map[string]any{"text": text},
		Event:   configEvent(config, models.EventNext),
	}
	if wantReply, _ := config["reply"].(bool); wantReply {
		res.Reply = &models.OutboundMessage{Text: text}
	}
	return res, nil
}
