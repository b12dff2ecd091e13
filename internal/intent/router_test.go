package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// stubTier returns a fixed classification (or error) and records whether it ran.
type stubTier struct {
	provider models.ClassifierProvider
	cls      *models.IntentClassification
	err      error
	calls    int
}

func (t *stubTier) Provider() models.ClassifierProvider { return t.provider }

func (t *stubTier) Classify(ctx context.Context, text, module, language string) (*models.IntentClassification, error) {
	t.calls++
	return t.cls, t.err
}

func TestRouteShortCircuitsOnConfidentTier(t *testing.T) {
	first := &stubTier{
		provider: models.ProviderLocal,
		cls:      &models.IntentClassification{Intent: "order_food", Confidence: 0.9, Provider: models.ProviderLocal},
	}
	second := &stubTier{provider: models.ProviderGenerative}
	r := NewRouterWithTiers(first, second)

	got := r.Route(context.Background(), "I want a pizza", "food", "en")
	if got.Intent != "order_food" {
		t.Errorf("Route returned %q", got.Intent)
	}
	if second.calls != 0 {
		t.Error("later tier ran after a confident classification")
	}
}

func TestRouteFallsThroughLowConfidence(t *testing.T) {
	first := &stubTier{
		provider: models.ProviderLocal,
		cls:      &models.IntentClassification{Intent: "order_food", Confidence: 0.3, Provider: models.ProviderLocal},
	}
	second := &stubTier{
		provider: models.ProviderGenerative,
		cls:      &models.IntentClassification{Intent: "track_order", Confidence: 0.95, Provider: models.ProviderGenerative},
	}
	r := NewRouterWithTiers(first, second)

	got := r.Route(context.Background(), "my pizza", "food", "en")
	if got.Intent != "track_order" || got.Provider != models.ProviderGenerative {
		t.Errorf("Route returned %q from %q", got.Intent, got.Provider)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("tier calls = %d, %d", first.calls, second.calls)
	}
}

func TestRouteFallsThroughTierErrors(t *testing.T) {
	first := &stubTier{provider: models.ProviderLocal, err: errors.New("model unavailable")}
	second := &stubTier{
		provider: models.ProviderGenerative,
		cls:      &models.IntentClassification{Intent: "help", Confidence: 0.9, Provider: models.ProviderGenerative},
	}
	r := NewRouterWithTiers(first, second)

	got := r.Route(context.Background(), "assist me", models.ModuleGeneral, "en")
	if got.Intent != "help" {
		t.Errorf("tier error should fall through, got %q", got.Intent)
	}
}

func TestRouteUnclassifiedCarriesRankedShortlist(t *testing.T) {
	first := &stubTier{
		provider: models.ProviderLocal,
		cls:      &models.IntentClassification{Intent: "order_food", Confidence: 0.3, Provider: models.ProviderLocal},
	}
	second := &stubTier{
		provider: models.ProviderGenerative,
		cls:      &models.IntentClassification{Intent: "track_order", Confidence: 0.5, Provider: models.ProviderGenerative},
	}
	r := NewRouterWithTiers(first, second)

	got := r.Route(context.Background(), "pizza thing", "food", "en")
	if got.Intent != IntentUnclassified || got.Provider != models.ProviderUnclassified {
		t.Fatalf("expected unclassified, got %+v", got)
	}
	if len(got.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got.Candidates))
	}
	if got.Candidates[0].Intent != "track_order" {
		t.Errorf("shortlist not ranked by confidence: %+v", got.Candidates)
	}
}

func TestRouteDeduplicatesCandidates(t *testing.T) {
	first := &stubTier{
		provider: models.ProviderLocal,
		cls:      &models.IntentClassification{Intent: "order_food", Confidence: 0.4, Provider: models.ProviderLocal},
	}
	second := &stubTier{
		provider: models.ProviderGenerative,
		cls:      &models.IntentClassification{Intent: "order_food", Confidence: 0.5, Provider: models.ProviderGenerative},
	}
	r := NewRouterWithTiers(first, second)

	got := r.Route(context.Background(), "pizza thing", "food", "en")
	if len(got.Candidates) != 1 {
		t.Errorf("duplicate intents should collapse to one candidate: %+v", got.Candidates)
	}
}

func TestRouteWithNoTiersIsUnclassified(t *testing.T) {
	r := NewRouterWithTiers()
	got := r.Route(context.Background(), "anything", models.ModuleGeneral, "en")
	if got.Intent != IntentUnclassified || len(got.Candidates) != 0 {
		t.Errorf("empty router returned %+v", got)
	}
}

func TestHeuristicRouterCompoundOverride(t *testing.T) {
	r := NewRouter(nil, Options{HeuristicEnabled: true})

	got := r.Route(context.Background(), "Hi, I want to order pizza", "food", "en")
	if got.Intent != "order_food" {
		t.Fatalf("compound message classified as %q", got.Intent)
	}
	if got.Entities["compound_override_from"] != "greeting" {
		t.Errorf("override entity = %v", got.Entities["compound_override_from"])
	}
}
