// Package api provides the HTTP surface and the main server wiring for
// FlowRelay.
//
// It exposes RESTful endpoints for webchat messaging, flow administration,
// and session inspection, and owns the background pumps that feed channel
// adapter messages into the dispatcher.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowrelay/FlowRelay/internal/backend"
	"github.com/flowrelay/FlowRelay/internal/channel"
	"github.com/flowrelay/FlowRelay/internal/channel/twilio"
	"github.com/flowrelay/FlowRelay/internal/channel/whatsapp"
	"github.com/flowrelay/FlowRelay/internal/dispatch"
	"github.com/flowrelay/FlowRelay/internal/engine"
	"github.com/flowrelay/FlowRelay/internal/executor"
	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/genai"
	"github.com/flowrelay/FlowRelay/internal/intent"
	"github.com/flowrelay/FlowRelay/internal/models"
	"github.com/flowrelay/FlowRelay/internal/recovery"
	"github.com/flowrelay/FlowRelay/internal/session"
	"github.com/flowrelay/FlowRelay/internal/store"
)

// Constants for server configuration.
const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds the full service configuration assembled by the entry point.
type Opts struct {
	Addr           string
	StateDSN       string // sessions/runs/flows database; empty keeps everything in memory
	OpenAIKey      string // enables model-backed classification and the llm executor
	BackendBaseURL string // enables the backend-call executors

	WhatsAppEnabled bool
	WhatsAppDBDSN   string
	QRPath          string
	NumericCode     bool

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	Intent intent.Options
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDSN sets the state database connection string.
func WithStateDSN(dsn string) Option {
	return func(o *Opts) { o.StateDSN = dsn }
}

// WithOpenAIKey sets the OpenAI API key.
func WithOpenAIKey(key string) Option {
	return func(o *Opts) { o.OpenAIKey = key }
}

// WithBackendBaseURL sets the business backend base URL.
func WithBackendBaseURL(url string) Option {
	return func(o *Opts) { o.BackendBaseURL = url }
}

// WithWhatsApp enables the WhatsApp channel with the given whatsmeow DSN.
func WithWhatsApp(dbDSN, qrPath string, numericCode bool) Option {
	return func(o *Opts) {
		o.WhatsAppEnabled = true
		o.WhatsAppDBDSN = dbDSN
		o.QRPath = qrPath
		o.NumericCode = numericCode
	}
}

// WithTwilio enables the Twilio channel.
func WithTwilio(accountSID, authToken, from string) Option {
	return func(o *Opts) {
		o.TwilioAccountSID = accountSID
		o.TwilioAuthToken = authToken
		o.TwilioFrom = from
	}
}

// WithIntentOptions overrides the intent router configuration.
func WithIntentOptions(opts intent.Options) Option {
	return func(o *Opts) { o.Intent = opts }
}

// Server carries the wired service components behind the HTTP handlers.
type Server struct {
	st         store.Store
	flows      *flow.Registry
	executors  *executor.Registry
	dispatcher *dispatch.Dispatcher
	webchat    *channel.WebchatAdapter
	twilio     *twilio.Adapter
	adapters   []channel.Adapter
}

// NewServer creates a server over already-wired components. The Twilio adapter
// may be nil when that channel is disabled.
func NewServer(st store.Store, flows *flow.Registry, executors *executor.Registry, dispatcher *dispatch.Dispatcher, webchat *channel.WebchatAdapter, tw *twilio.Adapter, adapters []channel.Adapter) *Server {
	return &Server{
		st:         st,
		flows:      flows,
		executors:  executors,
		dispatcher: dispatcher,
		webchat:    webchat,
		twilio:     tw,
		adapters:   adapters,
	}
}

// Handler builds the HTTP route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.messagesHandler)
	mux.HandleFunc("/v1/messages/poll", s.pollHandler)
	mux.HandleFunc("/v1/flows", s.flowsHandler)
	mux.HandleFunc("/v1/flows/validate", s.validateFlowHandler)
	mux.HandleFunc("/v1/flows/", s.flowByIDHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionHandler)
	mux.HandleFunc("/v1/health", s.healthHandler)
	if s.twilio != nil {
		mux.HandleFunc("/webhooks/twilio", s.twilio.WebhookHandler())
	}
	return mux
}

// Start launches the adapters and the inbound pumps feeding the dispatcher.
func (s *Server) Start(ctx context.Context) error {
	for _, a := range s.adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s adapter: %w", a.Platform(), err)
		}
		go s.pump(ctx, a)
		slog.Info("Server started channel adapter", "platform", a.Platform())
	}
	return nil
}

// Stop shuts the adapters down.
func (s *Server) Stop() {
	for _, a := range s.adapters {
		if err := a.Stop(); err != nil {
			slog.Error("Server failed to stop adapter", "error", err, "platform", a.Platform())
		}
	}
}

// pump forwards one adapter's inbound messages to the dispatcher. Each message
// gets its own goroutine so a slow turn on one session never blocks another
// session's delivery; same-session ordering is enforced by the session lock.
func (s *Server) pump(ctx context.Context, a channel.Adapter) {
	for {
		select {
		case msg, ok := <-a.Inbound():
			if !ok {
				return
			}
			go func(msg models.InboundMessage) {
				if err := s.dispatcher.HandleInbound(ctx, msg); err != nil {
					slog.Error("Server inbound turn failed", "error", err, "platform", a.Platform(), "sessionKey", msg.SessionKey)
				}
			}(msg)
		case <-ctx.Done():
			return
		}
	}
}

// Run wires the whole service from options and serves until the context is
// cancelled.
func Run(ctx context.Context, opts ...Option) error {
	cfg := Opts{Addr: DefaultAddr, Intent: intent.DefaultOptions()}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := openStore(cfg.StateDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	var genaiClient *genai.Client
	if cfg.OpenAIKey != "" {
		genaiClient, err = genai.NewClient(genai.WithAPIKey(cfg.OpenAIKey))
		if err != nil {
			return fmt.Errorf("failed to create GenAI client: %w", err)
		}
	} else {
		slog.Warn("No OpenAI API key configured; model-backed classification and the llm executor are disabled")
	}

	executors := executor.NewRegistry()
	executors.Register(&executor.StaticResponseExecutor{})
	executors.Register(&executor.ContextSetExecutor{})
	if genaiClient != nil {
		executors.Register(executor.NewLLMExecutor(genaiClient))
	}
	if cfg.BackendBaseURL != "" {
		backendClient, err := backend.NewClient(backend.WithBaseURL(cfg.BackendBaseURL))
		if err != nil {
			return fmt.Errorf("failed to create backend client: %w", err)
		}
		executor.RegisterBackendExecutors(executors, backendClient)
	}

	router := intent.NewRouter(genaiClient, cfg.Intent)
	executors.Register(executor.NewIntentClassifyExecutor(router))

	flows := flow.NewRegistry(st, executors)
	if err := flows.Load(); err != nil {
		return err
	}
	if err := SeedCriticalFlows(flows); err != nil {
		return err
	}

	sessions := session.NewManager(st)
	eng := engine.NewEngine(st, executors)
	dispatcher := dispatch.NewDispatcher(sessions, flows, eng, router, st)

	if _, err := recovery.Recover(st, flows); err != nil {
		return err
	}

	webchat := channel.NewWebchatAdapter()
	adapters := []channel.Adapter{webchat}
	dispatcher.RegisterSender(models.PlatformWebchat, webchat)

	if cfg.WhatsAppEnabled {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDBDSN)}
		if cfg.QRPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QRPath))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		waAdapter := whatsapp.NewAdapter(waClient)
		adapters = append(adapters, waAdapter)
		dispatcher.RegisterSender(models.PlatformWhatsApp, waAdapter)
	}

	var twAdapter *twilio.Adapter
	if cfg.TwilioAccountSID != "" {
		twClient, err := twilio.NewClient(
			twilio.WithAccountSID(cfg.TwilioAccountSID),
			twilio.WithAuthToken(cfg.TwilioAuthToken),
			twilio.WithFrom(cfg.TwilioFrom),
		)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		twAdapter = twilio.NewAdapter(twClient)
		adapters = append(adapters, twAdapter)
		dispatcher.RegisterSender(models.PlatformTwilio, twAdapter)
	}

	srv := NewServer(st, flows, executors, dispatcher, webchat, twAdapter, adapters)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("FlowRelay API listening", "addr", cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown failed", "error", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openStore selects a store backend from the DSN: empty keeps state in
// memory, PostgreSQL-looking DSNs use Postgres, anything else SQLite.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No state DSN configured, using in-memory store; runs will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}
