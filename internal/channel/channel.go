// Package channel defines the adapter boundary between the orchestration core
// and concrete messaging platforms, plus the built-in webchat adapter.
//
// Adapters normalize platform payloads into models.InboundMessage and render
// models.OutboundMessage as richly as their platform allows. The core never
// sees platform payloads.
package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// Adapter is one messaging platform connection.
type Adapter interface {
	// Platform identifies the channel this adapter serves.
	Platform() models.Platform

	// Start begins receiving messages. It returns once the adapter is ready;
	// delivery happens on the Inbound channel until Stop.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and closes the Inbound channel.
	Stop() error

	// Inbound streams normalized incoming messages.
	Inbound() <-chan models.InboundMessage

	// Send delivers one outbound message to the session's user. Buttons and
	// cards degrade to text on platforms without native support.
	Send(ctx context.Context, sessionKey string, msg models.OutboundMessage) error
}

// SessionKey builds the canonical channel-qualified session key.
func SessionKey(platform models.Platform, userRef string) string {
	return fmt.Sprintf("%s:%s", platform, userRef)
}

// UserRef extracts the platform-local user reference from a session key.
func UserRef(sessionKey string) string {
	if i := strings.Index(sessionKey, ":"); i >= 0 {
		return sessionKey[i+1:]
	}
	return sessionKey
}

// RenderText flattens an outbound message to plain text for platforms without
// interactive elements. Buttons become a numbered list, cards become
// title/subtitle lines.
func RenderText(msg models.OutboundMessage) string {
	var b strings.Builder
	b.WriteString(msg.Text)
	for _, card := range msg.Cards {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(card.Title)
		if card.Subtitle != "" {
			b.WriteString("\n")
			b.WriteString(card.Subtitle)
		}
	}
	for i, btn := range msg.Buttons {
		if i == 0 && b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, btn.Label))
	}
	return b.String()
}
