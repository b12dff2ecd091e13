package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/flowrelay/FlowRelay/internal/api"
	"github.com/flowrelay/FlowRelay/internal/intent"
	"github.com/flowrelay/FlowRelay/internal/store"
	"github.com/flowrelay/FlowRelay/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowRelay state data
	DefaultStateDir = "/var/lib/flowrelay"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowrelay.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	apiOpts := buildAPIOptions(flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowRelay")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(ctx, apiOpts...); err != nil {
		slog.Error("FlowRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowRelay exited successfully")
}

// initializeLogger sets up structured logging. FLOWRELAY_DEBUG=1 enables
// debug-level output.
func initializeLogger() {
	level := slog.LevelInfo
	if debug, _ := strconv.ParseBool(os.Getenv("FLOWRELAY_DEBUG")); debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	WhatsAppDSN    string
	StateDir       string
	OpenAIKey      string
	APIAddr        string
	BackendBaseURL string

	WhatsAppEnabled bool

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:         os.Getenv("FLOWRELAY_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		BackendBaseURL:   os.Getenv("BACKEND_BASE_URL"),
		WhatsAppEnabled:  util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWRELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppEnabled && config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"FLOWRELAY_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"BACKEND_BASE_URL_SET", config.BackendBaseURL != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"TWILIO_CONFIGURED", config.TwilioAccountSID != "")

	return config
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	whatsappDSN    *string
	whatsapp       *bool
	openaiKey      *string
	apiAddr        *string
	backendBaseURL *string

	twilioAccountSID *string
	twilioAuthToken  *string
	twilioFrom       *string

	localThreshold      *float64
	generativeThreshold *float64
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for FlowRelay data (overrides $FLOWRELAY_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for sessions, runs and flows (overrides $DATABASE_URL)"),
		whatsappDSN:    flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow device store (overrides $WHATSAPP_DB_DSN)"),
		whatsapp:       flag.Bool("whatsapp", config.WhatsAppEnabled, "enable the native WhatsApp channel (overrides $WHATSAPP_ENABLED)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backendBaseURL: flag.String("backend-base-url", config.BackendBaseURL, "business backend base URL (overrides $BACKEND_BASE_URL)"),

		twilioAccountSID: flag.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioAuthToken:  flag.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:       flag.String("twilio-from", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),

		localThreshold:      flag.Float64("local-threshold", intent.DefaultLocalThreshold, "confidence threshold for the local classification tier"),
		generativeThreshold: flag.Float64("generative-threshold", intent.DefaultGenerativeThreshold, "confidence threshold for the generative classification tier"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"whatsapp", *flags.whatsapp,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.whatsappDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildAPIOptions constructs the service configuration options
func buildAPIOptions(flags Flags) []api.Option {
	intentOpts := intent.DefaultOptions()
	intentOpts.LocalThreshold = *flags.localThreshold
	intentOpts.GenerativeThreshold = *flags.generativeThreshold

	apiOpts := []api.Option{
		api.WithStateDSN(*flags.dbDSN),
		api.WithIntentOptions(intentOpts),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.openaiKey != "" {
		apiOpts = append(apiOpts, api.WithOpenAIKey(*flags.openaiKey))
	}
	if *flags.backendBaseURL != "" {
		apiOpts = append(apiOpts, api.WithBackendBaseURL(*flags.backendBaseURL))
	}
	if *flags.whatsapp {
		apiOpts = append(apiOpts, api.WithWhatsApp(*flags.whatsappDSN, *flags.qrOutput, *flags.numeric))
	}
	if *flags.twilioAccountSID != "" {
		apiOpts = append(apiOpts, api.WithTwilio(*flags.twilioAccountSID, *flags.twilioAuthToken, *flags.twilioFrom))
	}
	return apiOpts
}
