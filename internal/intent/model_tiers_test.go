package intent

import (
	"strings"
	"testing"

	"github.com/flowrelay/FlowRelay/internal/models"
)

func TestParseClassification(t *testing.T) {
	cls, err := parseClassification(`{"intent":"order_food","confidence":0.82,"entities":{"item":"pizza"}}`, models.ProviderLocal, "en")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cls.Intent != "order_food" || cls.Confidence != 0.82 {
		t.Errorf("parsed %+v", cls)
	}
	if cls.Entities["item"] != "pizza" {
		t.Errorf("entities = %v", cls.Entities)
	}
	if cls.Provider != models.ProviderLocal || cls.Language != "en" {
		t.Errorf("provider/language = %q/%q", cls.Provider, cls.Language)
	}
}

func TestParseClassificationStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"intent\":\"help\",\"confidence\":0.9}\n```"
	cls, err := parseClassification(raw, models.ProviderGenerative, "en")
	if err != nil {
		t.Fatalf("fenced JSON should parse: %v", err)
	}
	if cls.Intent != "help" {
		t.Errorf("intent = %q", cls.Intent)
	}
}

func TestParseClassificationClampsConfidence(t *testing.T) {
	cls, err := parseClassification(`{"intent":"help","confidence":1.7}`, models.ProviderLocal, "en")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cls.Confidence != 1 {
		t.Errorf("confidence above 1 not clamped: %v", cls.Confidence)
	}
	cls, err = parseClassification(`{"intent":"help","confidence":-0.2}`, models.ProviderLocal, "en")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cls.Confidence != 0 {
		t.Errorf("confidence below 0 not clamped: %v", cls.Confidence)
	}
}

func TestParseClassificationRejectsBadPayloads(t *testing.T) {
	if _, err := parseClassification("not json at all", models.ProviderLocal, "en"); err == nil {
		t.Error("malformed JSON should error")
	}
	if _, err := parseClassification(`{"confidence":0.9}`, models.ProviderLocal, "en"); err == nil {
		t.Error("missing intent should error")
	}
}

func TestUserPromptIncludesModule(t *testing.T) {
	p := userPrompt("order pizza", "food")
	if !strings.Contains(p, "Business module: food") || !strings.Contains(p, "order pizza") {
		t.Errorf("prompt = %q", p)
	}
	// Empty module falls back to general.
	p = userPrompt("hello", "")
	if !strings.Contains(p, "Business module: "+models.ModuleGeneral) {
		t.Errorf("prompt = %q", p)
	}
}
