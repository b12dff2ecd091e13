// Package whatsapp wraps the Whatsmeow client as a FlowRelay channel adapter.
//
// It handles login (QR code or numeric pairing code), normalizes incoming
// message events, and renders outbound messages as plain WhatsApp text.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/flowrelay/FlowRelay/internal/channel"
	"github.com/flowrelay/FlowRelay/internal/models"
	"github.com/flowrelay/FlowRelay/internal/store"
)

// Constants for WhatsApp client configuration.
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database.
	DefaultSQLitePath = "/var/lib/flowrelay/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
	// DefaultInboundBufferSize defines the buffer size for the inbound channel.
	DefaultInboundBufferSize = 100
)

// Sender is the outbound slice of the WhatsApp client, split out for tests.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput instructs the client to write the login QR code to the
// specified path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode instructs the client to print a numeric login code instead
// of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates and connects a WhatsApp client, running the login flow
// when no stored device session exists.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		if !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"The whatsmeow library strongly recommends enabling foreign keys for data integrity.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a plain text message to the given phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to)
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Adapter exposes the WhatsApp client as a channel.Adapter.
type Adapter struct {
	sender   Sender
	waClient *Client
	inbound  chan models.InboundMessage
	done     chan struct{}
}

// NewAdapter wraps a WhatsApp sender as a channel adapter. Event handling is
// only available when the sender is the full Client.
func NewAdapter(sender Sender) *Adapter {
	a := &Adapter{
		sender:  sender,
		inbound: make(chan models.InboundMessage, DefaultInboundBufferSize),
		done:    make(chan struct{}),
	}
	if c, ok := sender.(*Client); ok {
		a.waClient = c
	} else {
		slog.Debug("WhatsAppAdapter created without full client, inbound events disabled")
	}
	return a
}

// Platform implements channel.Adapter.
func (a *Adapter) Platform() models.Platform { return models.PlatformWhatsApp }

// Start implements channel.Adapter. It registers the whatsmeow event handler
// that feeds incoming text messages onto the inbound channel.
func (a *Adapter) Start(ctx context.Context) error {
	if a.waClient == nil || a.waClient.GetClient() == nil {
		slog.Debug("WhatsAppAdapter Start without event source")
		return nil
	}

	a.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			a.handleIncomingMessage(v)
		case *events.Receipt:
			slog.Debug("WhatsAppAdapter receipt", "type", v.Type, "from", v.SourceString())
		}
	})
	slog.Info("WhatsAppAdapter event handler registered")
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
	if a.waClient != nil && a.waClient.GetClient() != nil {
		a.waClient.GetClient().Disconnect()
	}
	slog.Info("WhatsAppAdapter stopped")
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

func (a *Adapter) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if ext := evt.Message.ExtendedTextMessage; ext != nil && ext.Text != nil {
		text = *ext.Text
	}
	if text == "" {
		return
	}

	msg := models.InboundMessage{
		SessionKey: channel.SessionKey(models.PlatformWhatsApp, evt.Info.Sender.User),
		Platform:   models.PlatformWhatsApp,
		Text:       text,
		Time:       evt.Info.Timestamp.Unix(),
	}
	select {
	case a.inbound <- msg:
	case <-a.done:
	default:
		slog.Warn("WhatsAppAdapter inbound channel full, dropping message", "sessionKey", msg.SessionKey)
	}
}

// MockClient implements Sender without a WhatsApp connection, for tests.
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
