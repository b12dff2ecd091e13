package api

import (
	"fmt"
	"log/slog"

	"github.com/flowrelay/FlowRelay/internal/dispatch"
	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// criticalFlows are the system-critical conversation paths seeded at startup.
// They keep the assistant from ever going silent: whatever else operators
// publish or disable, greeting, farewell, thanks, and help always resolve.
func criticalFlows() []models.FlowDefinition {
	single := func(id, trigger, text string) models.FlowDefinition {
		return models.FlowDefinition{
			ID:             id,
			Name:           id,
			Module:         models.ModuleGeneral,
			Trigger:        trigger,
			Priority:       100, // domain flows with lower numbers outrank these
			SystemCritical: true,
			InitialState:   "respond",
			FinalStates:    []string{"respond"},
			States: map[string]models.State{
				"respond": {
					Type: models.StateTypeEnd,
					Actions: []models.ActionSpec{{
						Executor: "static-response",
						Config:   map[string]any{"text": text},
					}},
				},
			},
		}
	}
	return []models.FlowDefinition{
		single("greeting", "greeting", "Hello! How can I help you today?"),
		single("farewell", "farewell", "Goodbye! Come back any time."),
		single("thanks", "thanks", "You're welcome!"),
		single(dispatch.FallbackFlowID, "help",
			"I can help you order food, track an order, or book a table. What would you like to do?"),
	}
}

// SeedCriticalFlows publishes the system-critical flows that are not already
// present. Safe to call on every startup.
func SeedCriticalFlows(flows *flow.Registry) error {
	for _, def := range criticalFlows() {
		if flows.Get(def.ID) != nil {
			continue
		}
		if _, err := flows.Publish(def); err != nil {
			return fmt.Errorf("failed to seed flow %s: %w", def.ID, err)
		}
		slog.Info("Seeded system-critical flow", "flowID", def.ID)
	}
	return nil
}
