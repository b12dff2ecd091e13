// Package intent implements the three-tier intent classification pipeline:
// deterministic heuristics, a local classification model, and a generative
// fallback, with confidence gating and compound-intent resolution.
package intent

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/flowrelay/FlowRelay/internal/genai"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// IntentUnclassified is the distinguished intent returned when no tier clears
// its threshold. Callers must present a disambiguation menu rather than guess.
const IntentUnclassified = "unclassified"

// Default tier thresholds and timeouts. Product-tunable, not protocol
// guarantees; override via Options.
const (
	DefaultLocalThreshold      = 0.6
	DefaultGenerativeThreshold = 0.7
	DefaultLocalTimeout        = 2 * time.Second
	DefaultGenerativeTimeout   = 8 * time.Second
)

// Options configure the router explicitly at construction so tests can
// exercise each tier combination deterministically.
type Options struct {
	HeuristicEnabled    bool
	LocalEnabled        bool
	GenerativeEnabled   bool
	LocalThreshold      float64
	GenerativeThreshold float64
	LocalTimeout        time.Duration
	GenerativeTimeout   time.Duration
}

// DefaultOptions returns the standard three-tier configuration.
func DefaultOptions() Options {
	return Options{
		HeuristicEnabled:    true,
		LocalEnabled:        true,
		GenerativeEnabled:   true,
		LocalThreshold:      DefaultLocalThreshold,
		GenerativeThreshold: DefaultGenerativeThreshold,
		LocalTimeout:        DefaultLocalTimeout,
		GenerativeTimeout:   DefaultGenerativeTimeout,
	}
}

// Tier is one stage of the classification fallback chain.
type Tier interface {
	Provider() models.ClassifierProvider
	// Classify returns a classification or an error; classification errors
	// fall through to the next tier, never to the caller.
	Classify(ctx context.Context, text, module, language string) (*models.IntentClassification, error)
}

// tierSlot pairs a tier with its acceptance threshold and timeout.
type tierSlot struct {
	tier      Tier
	threshold float64
	timeout   time.Duration
}

// Router runs the ordered tiers, short-circuiting on the first result whose
// confidence clears its tier threshold, then applies compound-intent
// resolution. It never returns an error: total classification failure yields
// the unclassified result.
type Router struct {
	slots []tierSlot
}

// NewRouter builds a router from a GenAI client and explicit options.
func NewRouter(client *genai.Client, opts Options) *Router {
	r := &Router{}
	if opts.HeuristicEnabled {
		r.slots = append(r.slots, tierSlot{tier: NewHeuristicTier(), threshold: 1.0})
	}
	if opts.LocalEnabled && client != nil {
		r.slots = append(r.slots, tierSlot{
			tier:      NewLocalTier(client),
			threshold: opts.LocalThreshold,
			timeout:   opts.LocalTimeout,
		})
	}
	if opts.GenerativeEnabled && client != nil {
		r.slots = append(r.slots, tierSlot{
			tier:      NewGenerativeTier(client),
			threshold: opts.GenerativeThreshold,
			timeout:   opts.GenerativeTimeout,
		})
	}
	return r
}

// NewRouterWithTiers builds a router from explicit tier slots. Used by tests.
func NewRouterWithTiers(slots ...Tier) *Router {
	r := &Router{}
	for _, t := range slots {
		r.slots = append(r.slots, tierSlot{tier: t, threshold: DefaultLocalThreshold})
	}
	return r
}

// Route classifies one message. The returned classification is either a
// confident result (possibly overridden by compound-intent resolution) or the
// unclassified result carrying a ranked candidate shortlist.
func (r *Router) Route(ctx context.Context, text, module, language string) *models.IntentClassification {
	var candidates []models.IntentCandidate

	for _, slot := range r.slots {
		cls := r.runTier(ctx, slot, text, module, language)
		if cls == nil {
			continue
		}
		if cls.Confidence >= slot.threshold {
			resolved := resolveCompound(text, cls)
			slog.Info("IntentRouter classified message",
				"provider", resolved.Provider, "intent", resolved.Intent, "confidence", resolved.Confidence)
			return resolved
		}
		slog.Debug("IntentRouter tier below threshold",
			"provider", cls.Provider, "intent", cls.Intent, "confidence", cls.Confidence, "threshold", slot.threshold)
		candidates = appendCandidate(candidates, cls)
	}

	// No tier cleared its threshold; hand back a shortlist instead of a guess.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	slog.Info("IntentRouter returning unclassified result", "candidates", len(candidates))
	return &models.IntentClassification{
		Intent:     IntentUnclassified,
		Provider:   models.ProviderUnclassified,
		Language:   language,
		Candidates: candidates,
	}
}

func (r *Router) runTier(ctx context.Context, slot tierSlot, text, module, language string) *models.IntentClassification {
	tierCtx := ctx
	if slot.timeout > 0 {
		var cancel context.CancelFunc
		tierCtx, cancel = context.WithTimeout(ctx, slot.timeout)
		defer cancel()
	}

	cls, err := slot.tier.Classify(tierCtx, text, module, language)
	if err != nil {
		// Tier failure or timeout falls through to the next tier.
		slog.Warn("IntentRouter tier failed, falling through", "provider", slot.tier.Provider(), "error", err)
		return nil
	}
	return cls
}

func appendCandidate(candidates []models.IntentCandidate, cls *models.IntentClassification) []models.IntentCandidate {
	if cls.Intent == "" || cls.Intent == IntentUnclassified {
		return candidates
	}
	for _, c := range candidates {
		if c.Intent == cls.Intent {
			return candidates
		}
	}
	return append(candidates, models.IntentCandidate{Intent: cls.Intent, Confidence: cls.Confidence})
}
