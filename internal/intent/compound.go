package intent

import (
	"log/slog"
	"strings"

	"github.com/flowrelay/FlowRelay/internal/models"
	"github.com/flowrelay/FlowRelay/internal/util"
)

// actionIntents is the fixed allow-list of action intents checked during
// compound-intent resolution, each with the literal phrases that betray it.
var actionIntents = []Rule{
	{Intent: "order_food", Phrases: []string{"order", "buy", "purchase"}},
	{Intent: "track_order", Phrases: []string{"track", "where is my"}},
	{Intent: "book_table", Phrases: []string{"book", "reserve", "reservation"}},
	{Intent: "cancel_order", Phrases: []string{"cancel my order", "cancel the order"}},
}

// conversationalIntents are low-value intents that an action intent in the
// same message overrides.
var conversationalIntents = map[string]bool{
	"greeting":  true,
	"farewell":  true,
	"thanks":    true,
	"chitchat":  true,
	"smalltalk": true,
}

// resolveCompound overrides a low-value conversational classification when
// the raw message textually contains one of the allow-listed action intents.
// "Hi, I want to order pizza" must not dead-end in a greeting flow.
func resolveCompound(text string, cls *models.IntentClassification) *models.IntentClassification {
	if !conversationalIntents[cls.Intent] {
		return cls
	}
	padded := " " + util.NormalizeText(text) + " "
	for _, action := range actionIntents {
		for _, phrase := range action.Phrases {
			if strings.Contains(padded, " "+phrase+" ") {
				slog.Info("IntentRouter compound override",
					"conversational", cls.Intent, "action", action.Intent)
				overridden := *cls
				overridden.Intent = action.Intent
				if overridden.Entities == nil {
					overridden.Entities = map[string]any{}
				}
				overridden.Entities["compound_override_from"] = cls.Intent
				return &overridden
			}
		}
	}
	return cls
}
