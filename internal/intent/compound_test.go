package intent

import (
	"testing"

	"github.com/flowrelay/FlowRelay/internal/models"
)

func TestResolveCompoundOverridesConversationalIntent(t *testing.T) {
	cls := &models.IntentClassification{Intent: "greeting", Confidence: 1.0, Provider: models.ProviderHeuristic}
	got := resolveCompound("Hi, I want to order pizza", cls)
	if got.Intent != "order_food" {
		t.Errorf("override intent = %q", got.Intent)
	}
	if got.Entities["compound_override_from"] != "greeting" {
		t.Errorf("override provenance = %v", got.Entities)
	}
	// The input classification must stay untouched.
	if cls.Intent != "greeting" || cls.Entities != nil {
		t.Errorf("input classification mutated: %+v", cls)
	}
}

func TestResolveCompoundLeavesActionIntentsAlone(t *testing.T) {
	cls := &models.IntentClassification{Intent: "track_order", Confidence: 0.9}
	got := resolveCompound("where is my order", cls)
	if got != cls {
		t.Error("non-conversational classification should pass through unchanged")
	}
}

func TestResolveCompoundPlainGreetingPassesThrough(t *testing.T) {
	cls := &models.IntentClassification{Intent: "greeting", Confidence: 1.0}
	got := resolveCompound("good morning", cls)
	if got.Intent != "greeting" {
		t.Errorf("plain greeting overridden to %q", got.Intent)
	}
}

func TestResolveCompoundMultiWordPhrase(t *testing.T) {
	cls := &models.IntentClassification{Intent: "thanks", Confidence: 1.0}
	got := resolveCompound("thanks, please cancel my order", cls)
	if got.Intent != "cancel_order" {
		t.Errorf("multi-word action phrase not detected: %q", got.Intent)
	}
}
