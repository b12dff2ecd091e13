package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// stubChat records the last request and replies with canned content.
type stubChat struct {
	lastParams openai.ChatCompletionNewParams
	content    string
	err        error
	noChoices  bool
}

func (s *stubChat) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	if s.noChoices {
		return &openai.ChatCompletion{}, nil
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.content}},
		},
	}, nil
}

func TestGenerateUsesGenerationModel(t *testing.T) {
	chat := &stubChat{content: "a poem"}
	client := NewClientWithService(chat)

	got, err := client.Generate(context.Background(), "be a poet", "write one line")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "a poem" {
		t.Errorf("Generate returned %q", got)
	}
	if chat.lastParams.Model != DefaultGenerateModel {
		t.Errorf("model = %q, want %q", chat.lastParams.Model, DefaultGenerateModel)
	}
	if len(chat.lastParams.Messages) != 2 {
		t.Errorf("messages = %d, want system + user", len(chat.lastParams.Messages))
	}
}

func TestClassifyUsesCheapModelAtZeroTemperature(t *testing.T) {
	chat := &stubChat{content: `{"intent":"x"}`}
	client := NewClientWithService(chat)

	if _, err := client.Classify(context.Background(), "classify", "hello"); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if chat.lastParams.Model != DefaultClassifyModel {
		t.Errorf("model = %q, want %q", chat.lastParams.Model, DefaultClassifyModel)
	}
	if got := chat.lastParams.Temperature.Value; got != 0 {
		t.Errorf("temperature = %v, want 0", got)
	}
}

func TestModelOverrides(t *testing.T) {
	chat := &stubChat{content: "ok"}
	client := NewClientWithService(chat, WithGenerateModel("custom-large"), WithClassifyModel("custom-small"))

	client.Generate(context.Background(), "s", "u")
	if chat.lastParams.Model != "custom-large" {
		t.Errorf("generate model = %q", chat.lastParams.Model)
	}
	client.Classify(context.Background(), "s", "u")
	if chat.lastParams.Model != "custom-small" {
		t.Errorf("classify model = %q", chat.lastParams.Model)
	}
}

func TestCompletionErrors(t *testing.T) {
	chat := &stubChat{err: errors.New("rate limited")}
	client := NewClientWithService(chat)
	if _, err := client.Generate(context.Background(), "s", "u"); err == nil {
		t.Error("transport error should propagate")
	}

	chat = &stubChat{noChoices: true}
	client = NewClientWithService(chat)
	if _, err := client.Generate(context.Background(), "s", "u"); err == nil {
		t.Error("empty choices should error")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("missing API key should error")
	}
}
