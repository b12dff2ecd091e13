package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// Constants for webchat adapter configuration.
const (
	// DefaultInboundBufferSize defines the buffer size for the inbound channel.
	DefaultInboundBufferSize = 100
	// DefaultReplyQueueLimit caps undelivered replies kept per session.
	DefaultReplyQueueLimit = 50
)

// WebchatAdapter is the HTTP chat-widget channel. Inbound messages arrive via
// Receive (called by the API layer's message endpoint) and replies accumulate
// in per-session queues until the widget polls them off.
type WebchatAdapter struct {
	inbound chan models.InboundMessage
	done    chan struct{}

	mu      sync.Mutex
	replies map[string][]models.OutboundMessage
	stopped bool
}

// NewWebchatAdapter creates the webchat adapter.
func NewWebchatAdapter() *WebchatAdapter {
	return &WebchatAdapter{
		inbound: make(chan models.InboundMessage, DefaultInboundBufferSize),
		done:    make(chan struct{}),
		replies: make(map[string][]models.OutboundMessage),
	}
}

// Platform implements Adapter.
func (a *WebchatAdapter) Platform() models.Platform { return models.PlatformWebchat }

// Start implements Adapter. The webchat adapter has no connection to open.
func (a *WebchatAdapter) Start(ctx context.Context) error {
	slog.Debug("WebchatAdapter started")
	return nil
}

// Stop implements Adapter.
func (a *WebchatAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	close(a.done)
	close(a.inbound)
	slog.Info("WebchatAdapter stopped")
	return nil
}

// Inbound implements Adapter.
func (a *WebchatAdapter) Inbound() <-chan models.InboundMessage {
	return a.inbound
}

// Send implements Adapter. Replies queue until the widget polls.
func (a *WebchatAdapter) Send(_ context.Context, sessionKey string, msg models.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	q := append(a.replies[sessionKey], msg)
	if len(q) > DefaultReplyQueueLimit {
		q = q[len(q)-DefaultReplyQueueLimit:]
	}
	a.replies[sessionKey] = q
	slog.Debug("WebchatAdapter queued reply", "sessionKey", sessionKey, "queued", len(q))
	return nil
}

// Receive normalizes one widget message onto the inbound channel.
func (a *WebchatAdapter) Receive(userRef, text string) bool {
	msg := models.InboundMessage{
		SessionKey: SessionKey(models.PlatformWebchat, userRef),
		Platform:   models.PlatformWebchat,
		Text:       text,
		Time:       time.Now().Unix(),
	}
	select {
	case a.inbound <- msg:
		return true
	case <-a.done:
		return false
	default:
		slog.Warn("WebchatAdapter inbound channel full, dropping message", "sessionKey", msg.SessionKey)
		return false
	}
}

// Drain returns and clears the queued replies for a session.
func (a *WebchatAdapter) Drain(sessionKey string) []models.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.replies[sessionKey]
	delete(a.replies, sessionKey)
	return q
}
