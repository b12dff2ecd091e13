// Package twilio wraps the Twilio REST API as a FlowRelay channel adapter.
//
// Outbound messages go through the Twilio messages API; inbound messages
// arrive on the Twilio webhook handled by WebhookHandler.
package twilio

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/flowrelay/FlowRelay/internal/channel"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// DefaultInboundBufferSize defines the buffer size for the inbound channel.
const DefaultInboundBufferSize = 100

// Sender is the outbound slice of the Twilio client, split out for tests.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string // sender number, "whatsapp:+1234567890" or "+1234567890"
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the Twilio sender number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// Client wraps the Twilio REST API.
type Client struct {
	client *twilio.RestClient
	from   string
}

// NewClient creates a Twilio client, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER when options are not provided.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, from: cfg.From}, nil
}

// SendMessage sends a message through the Twilio REST API.
func (c *Client) SendMessage(_ context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// Adapter exposes the Twilio client as a channel.Adapter.
type Adapter struct {
	sender  Sender
	inbound chan models.InboundMessage
	done    chan struct{}
}

// NewAdapter wraps a Twilio sender as a channel adapter.
func NewAdapter(sender Sender) *Adapter {
	return &Adapter{
		sender:  sender,
		inbound: make(chan models.InboundMessage, DefaultInboundBufferSize),
		done:    make(chan struct{}),
	}
}

// Platform implements channel.Adapter.
func (a *Adapter) Platform() models.Platform { return models.PlatformTwilio }

// Start implements channel.Adapter. Inbound delivery happens via the webhook.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Debug("TwilioAdapter started")
	return nil
}

// Stop implements channel.Adapter.
func (a *Adapter) Stop() error {
	select {
	case <-a.done:
		return nil
	default:
	}
	close(a.done)
	close(a.inbound)
	slog.Info("TwilioAdapter stopped")
	return nil
}

// Inbound implements channel.Adapter.
func (a *Adapter) Inbound() <-chan models.InboundMessage {
	return a.inbound
}

// Send implements channel.Adapter. Interactive elements degrade to text.
func (a *Adapter) Send(ctx context.Context, sessionKey string, msg models.OutboundMessage) error {
	return a.sender.SendMessage(ctx, channel.UserRef(sessionKey), channel.RenderText(msg))
}

// WebhookHandler returns an HTTP handler for Twilio's inbound message webhook.
// Twilio posts application/x-www-form-urlencoded with From and Body fields.
func (a *Adapter) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			slog.Warn("TwilioAdapter webhook form parse failed", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		from := r.FormValue("From")
		body := r.FormValue("Body")
		if from == "" {
			http.Error(w, "missing From", http.StatusBadRequest)
			return
		}

		msg := models.InboundMessage{
			SessionKey: channel.SessionKey(models.PlatformTwilio, normalizeFrom(from)),
			Platform:   models.PlatformTwilio,
			Text:       body,
			Time:       time.Now().Unix(),
		}
		select {
		case a.inbound <- msg:
			// Empty TwiML response tells Twilio not to auto-reply.
			w.Header().Set("Content-Type", "text/xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
		case <-a.done:
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		default:
			slog.Warn("TwilioAdapter inbound channel full, rejecting webhook", "sessionKey", msg.SessionKey)
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}
	}
}

// normalizeFrom keeps the Twilio channel prefix ("whatsapp:+1555...") intact as
// part of the user reference so replies route back on the same transport.
func normalizeFrom(from string) string {
	return strings.TrimSpace(from)
}

// MockClient implements Sender without a Twilio account, for tests.
type MockClient struct {
	Sent []MockMessage
}

// MockMessage records one SendMessage call.
type MockMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty mock sender.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage implements Sender.
func (m *MockClient) SendMessage(_ context.Context, to string, body string) error {
	m.Sent = append(m.Sent, MockMessage{To: to, Body: body})
	return nil
}
