package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowrelay/FlowRelay/internal/genai"
	"github.com/flowrelay/FlowRelay/internal/models"
)

const localSystemPrompt = `You are an intent classifier for a conversational commerce assistant.
Classify the user message into a single snake_case intent.
Respond with JSON only: {"intent": string, "confidence": number between 0 and 1, "entities": object}.`

const generativeSystemPrompt = `You are the fallback intent extractor for a conversational commerce assistant.
Read the user message carefully, including business entities (products, quantities, addresses, dates, order references).
Respond with JSON only: {"intent": string (snake_case), "confidence": number between 0 and 1, "entities": object mapping entity names to values}.`

// classification is the wire shape both model tiers produce.
type classification struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
}

// LocalTier classifies with the cheap classification model. Cost: low tens of
// milliseconds.
type LocalTier struct {
	client *genai.Client
}

// NewLocalTier creates the local classification tier.
func NewLocalTier(client *genai.Client) *LocalTier {
	return &LocalTier{client: client}
}

// Provider implements Tier.
func (t *LocalTier) Provider() models.ClassifierProvider { return models.ProviderLocal }

// Classify implements Tier.
func (t *LocalTier) Classify(ctx context.Context, text, module, language string) (*models.IntentClassification, error) {
	raw, err := t.client.Classify(ctx, localSystemPrompt, userPrompt(text, module))
	if err != nil {
		return nil, fmt.Errorf("local classification failed: %w", err)
	}
	return parseClassification(raw, models.ProviderLocal, language)
}

// GenerativeTier is the last-resort extractor using the generation model. It
// is also the tier that extracts business entities the lower tiers cannot.
type GenerativeTier struct {
	client *genai.Client
}

// NewGenerativeTier creates the generative fallback tier.
func NewGenerativeTier(client *genai.Client) *GenerativeTier {
	return &GenerativeTier{client: client}
}

// Provider implements Tier.
func (t *GenerativeTier) Provider() models.ClassifierProvider { return models.ProviderGenerative }

// Classify implements Tier.
func (t *GenerativeTier) Classify(ctx context.Context, text, module, language string) (*models.IntentClassification, error) {
	raw, err := t.client.Generate(ctx, generativeSystemPrompt, userPrompt(text, module))
	if err != nil {
		return nil, fmt.Errorf("generative classification failed: %w", err)
	}
	return parseClassification(raw, models.ProviderGenerative, language)
}

func userPrompt(text, module string) string {
	if module == "" {
		module = models.ModuleGeneral
	}
	return fmt.Sprintf("Business module: %s\nUser message: %s", module, text)
}

// parseClassification decodes the model's JSON, tolerating code fences and
// clamping confidence into [0,1].
func parseClassification(raw string, provider models.ClassifierProvider, language string) (*models.IntentClassification, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var c classification
	if err := json.Unmarshal([]byte(trimmed), &c); err != nil {
		return nil, fmt.Errorf("failed to decode classification JSON: %w", err)
	}
	if c.Intent == "" {
		return nil, fmt.Errorf("classification JSON missing intent")
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}

	return &models.IntentClassification{
		Intent:     c.Intent,
		Confidence: c.Confidence,
		Entities:   c.Entities,
		Provider:   provider,
		Language:   language,
	}, nil
}
