package intent

import (
	"context"
	"strings"

	"github.com/flowrelay/FlowRelay/internal/models"
	"github.com/flowrelay/FlowRelay/internal/util"
)

// Rule is one deterministic pattern of the heuristic tier: if any phrase
// appears in the tokenized message, the intent matches with confidence 1.0.
// Module scopes the rule; empty matches every module.
type Rule struct {
	Intent  string
	Module  string
	Phrases []string
}

// defaultRules is the curated heuristic rule set. Ordering matters: earlier
// rules win.
var defaultRules = []Rule{
	{Intent: "greeting", Phrases: []string{"hello", "hi", "hey", "good morning", "good evening"}},
	{Intent: "farewell", Phrases: []string{"bye", "goodbye", "see you"}},
	{Intent: "thanks", Phrases: []string{"thanks", "thank you"}},
	{Intent: "help", Phrases: []string{"help", "what can you do"}},
	{Intent: "order_food", Module: "food", Phrases: []string{"order food", "order pizza", "i want to order", "place an order"}},
	{Intent: "track_order", Module: "food", Phrases: []string{"track my order", "where is my order", "order status"}},
	{Intent: "book_table", Module: "booking", Phrases: []string{"book a table", "make a reservation", "reserve a table"}},
}

// HeuristicTier matches a small curated rule set. Confidence is binary: a
// match is 1.0, no match is an absent result.
type HeuristicTier struct {
	rules []Rule
}

// NewHeuristicTier creates the heuristic tier with the default rule set.
func NewHeuristicTier() *HeuristicTier {
	return &HeuristicTier{rules: defaultRules}
}

// NewHeuristicTierWithRules creates the heuristic tier with a custom rule set.
func NewHeuristicTierWithRules(rules []Rule) *HeuristicTier {
	return &HeuristicTier{rules: rules}
}

// Provider implements Tier.
func (t *HeuristicTier) Provider() models.ClassifierProvider { return models.ProviderHeuristic }

// Classify implements Tier.
func (t *HeuristicTier) Classify(ctx context.Context, text, module, language string) (*models.IntentClassification, error) {
	normalized := util.NormalizeText(text)
	if normalized == "" {
		return &models.IntentClassification{Provider: models.ProviderHeuristic, Language: language}, nil
	}
	padded := " " + normalized + " "

	for _, rule := range t.rules {
		if rule.Module != "" && rule.Module != module && module != models.ModuleGeneral && module != "" {
			continue
		}
		for _, phrase := range rule.Phrases {
			if strings.Contains(padded, " "+phrase+" ") {
				return &models.IntentClassification{
					Intent:     rule.Intent,
					Confidence: 1.0,
					Provider:   models.ProviderHeuristic,
					Language:   language,
				}, nil
			}
		}
	}

	// No rule matched; zero confidence lets the router fall through.
	return &models.IntentClassification{Provider: models.ProviderHeuristic, Language: language}, nil
}
