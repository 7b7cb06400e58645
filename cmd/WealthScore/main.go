package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ravenloper/score-de-riqueza-bot/internal/api"
	"github.com/ravenloper/score-de-riqueza-bot/internal/flow"
	"github.com/ravenloper/score-de-riqueza-bot/internal/genai"
	"github.com/ravenloper/score-de-riqueza-bot/internal/lockfile"
	"github.com/ravenloper/score-de-riqueza-bot/internal/messaging"
	"github.com/ravenloper/score-de-riqueza-bot/internal/report"
	"github.com/ravenloper/score-de-riqueza-bot/internal/store"
	"github.com/ravenloper/score-de-riqueza-bot/internal/twiliowhatsapp"
	"github.com/ravenloper/score-de-riqueza-bot/internal/util"
	"github.com/ravenloper/score-de-riqueza-bot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for bot state data
	DefaultStateDir = "/var/lib/scorebot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "scorebot.db"
	// DefaultWhatsmeowDBFileName is the whatsmeow device store used by the whatsmeow provider
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
	// DefaultReportsDirName is the reports directory inside the state directory
	DefaultReportsDirName = "reports"

	jobPollInterval = 5 * time.Second
)

// Messaging and AI provider names.
const (
	ProviderCloudAPI  = "cloudapi"
	ProviderTwilio    = "twilio"
	ProviderWhatsmeow = "whatsmeow"

	AIProviderOpenAI = "openai"
	AIProviderGemini = "gemini"
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(os.Stdout, *flags.logLevel, *flags.logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *flags.exportPath != "" {
		if err := runExport(ctx, flags); err != nil {
			slog.Error("Export failed", "error", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("Bootstrapping Wealth Score bot", "provider", *flags.provider, "ai_provider", *flags.aiProvider)
	if err := run(ctx, flags); err != nil {
		slog.Error("Wealth Score bot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Wealth Score bot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsmeowDSN     string
	ReportsDir       string
	Provider         string
	CloudAPIURL      string
	CloudAPIToken    string
	CloudAPIPhoneID  string
	VerifyToken      string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	PublicBaseURL    string
	AIProvider       string
	OpenAIKey        string
	OpenAIModel      string
	GeminiKey        string
	GeminiModel      string
	GenAIDebug       bool
	APIAddr          string
	CallTimeout      time.Duration
	DispatchWorkers  int
	WebhookRate      int
	LogLevel         string
	LogFormat        string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	whatsmeowDSN    *string
	reportsDir      *string
	provider        *string
	cloudAPIURL     *string
	cloudAPIToken   *string
	cloudAPIPhoneID *string
	verifyToken     *string
	twilioSID       *string
	twilioToken     *string
	twilioFrom      *string
	publicBaseURL   *string
	aiProvider      *string
	openaiKey       *string
	openaiModel     *string
	geminiKey       *string
	geminiModel     *string
	genaiDebug      *bool
	apiAddr         *string
	callTimeout     *time.Duration
	workers         *int
	webhookRate     *int
	qrOutput        *string
	numeric         *bool
	logLevel        *string
	logFormat       *string
	exportPath      *string
}

// initializeLogger installs the default slog logger. format is "text" or "json".
func initializeLogger(w io.Writer, level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         util.GetEnv("SCOREBOT_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsmeowDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		ReportsDir:       os.Getenv("REPORTS_DIR"),
		Provider:         util.GetEnv("MESSAGING_PROVIDER", ProviderCloudAPI),
		CloudAPIURL:      util.GetEnv("WHATSAPP_API_URL", messaging.DefaultCloudAPIURL),
		CloudAPIToken:    os.Getenv("WHATSAPP_TOKEN"),
		CloudAPIPhoneID:  os.Getenv("WHATSAPP_PHONE_ID"),
		VerifyToken:      os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		AIProvider:       util.GetEnv("AI_PROVIDER", AIProviderOpenAI),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		GeminiKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      os.Getenv("GEMINI_MODEL"),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:          util.GetEnv("API_ADDR", api.DefaultAddr),
		CallTimeout:      util.ParseDurationEnv("EXTERNAL_CALL_TIMEOUT", flow.DefaultExternalCallTimeout),
		DispatchWorkers:  util.ParseIntEnv("DISPATCH_WORKERS", messaging.DefaultDispatchWorkers),
		WebhookRate:      util.ParseIntEnv("WEBHOOK_RATE_PER_MINUTE", api.DefaultWebhookRatePerMinute),
		LogLevel:         util.GetEnv("LOG_LEVEL", "info"),
		LogFormat:        util.GetEnv("LOG_FORMAT", "text"),
	}

	slog.Debug("environment variables loaded",
		"SCOREBOT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"MESSAGING_PROVIDER", config.Provider,
		"WHATSAPP_TOKEN_SET", config.CloudAPIToken != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"AI_PROVIDER", config.AIProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses args with environment defaults. Paths left
// empty are derived from the state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for lock, database and reports (overrides $SCOREBOT_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.DatabaseURL, "application database DSN, SQLite path or postgres URL (overrides $DATABASE_URL)"),
		whatsmeowDSN:    fs.String("whatsmeow-dsn", config.WhatsmeowDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		reportsDir:      fs.String("reports-dir", config.ReportsDir, "directory for rendered PDF reports (overrides $REPORTS_DIR)"),
		provider:        fs.String("provider", config.Provider, "messaging provider: cloudapi, twilio or whatsmeow (overrides $MESSAGING_PROVIDER)"),
		cloudAPIURL:     fs.String("whatsapp-api-url", config.CloudAPIURL, "WhatsApp Cloud API base URL (overrides $WHATSAPP_API_URL)"),
		cloudAPIToken:   fs.String("whatsapp-token", config.CloudAPIToken, "WhatsApp Cloud API access token (overrides $WHATSAPP_TOKEN)"),
		cloudAPIPhoneID: fs.String("whatsapp-phone-id", config.CloudAPIPhoneID, "WhatsApp Cloud API phone number id (overrides $WHATSAPP_PHONE_ID)"),
		verifyToken:     fs.String("verify-token", config.VerifyToken, "webhook verification token (overrides $WHATSAPP_VERIFY_TOKEN)"),
		twilioSID:       fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:     fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:      fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		publicBaseURL:   fs.String("public-base-url", config.PublicBaseURL, "public URL of this server, used for Twilio media links (overrides $PUBLIC_BASE_URL)"),
		aiProvider:      fs.String("ai-provider", config.AIProvider, "AI provider: openai or gemini (overrides $AI_PROVIDER)"),
		openaiKey:       fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:     fs.String("openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)"),
		geminiKey:       fs.String("gemini-api-key", config.GeminiKey, "Gemini API key (overrides $GEMINI_API_KEY)"),
		geminiModel:     fs.String("gemini-model", config.GeminiModel, "Gemini model (overrides $GEMINI_MODEL)"),
		genaiDebug:      fs.Bool("genai-debug", config.GenAIDebug, "write OpenAI requests and responses under the state directory (overrides $GENAI_DEBUG)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		callTimeout:     fs.Duration("call-timeout", config.CallTimeout, "timeout for each AI, render and send call (overrides $EXTERNAL_CALL_TIMEOUT)"),
		workers:         fs.Int("workers", config.DispatchWorkers, "inbound message workers (overrides $DISPATCH_WORKERS)"),
		webhookRate:     fs.Int("webhook-rate", config.WebhookRate, "webhook requests per minute per client IP, 0 disables (overrides $WEBHOOK_RATE_PER_MINUTE)"),
		qrOutput:        fs.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:         fs.Bool("numeric-code", false, "use a numeric whatsmeow login code instead of a QR code"),
		logLevel:        fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		logFormat:       fs.String("log-format", config.LogFormat, "log format: text or json (overrides $LOG_FORMAT)"),
		exportPath:      fs.String("export", "", "write completed sessions to this .xlsx file and exit"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	if *flags.whatsmeowDSN == "" {
		*flags.whatsmeowDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsmeowDBFileName) + "?_foreign_keys=on"
	}
	if *flags.reportsDir == "" {
		*flags.reportsDir = filepath.Join(*flags.stateDir, DefaultReportsDirName)
	}
	return flags, nil
}

// ensureDirectoriesExist creates the state and reports directories, plus the
// parent of a file-based database.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir, *flags.reportsDir}
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// appStore is what the bot needs from a backend: the conversation store and
// the durable job queue.
type appStore interface {
	store.Store
	store.JobRepo
}

func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

func openStore(flags Flags) (appStore, error) {
	opts := buildStoreOptions(flags)
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		pg, err := store.NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	sq, err := store.NewSQLiteStore(opts...)
	if err != nil {
		return nil, err
	}
	return sq, nil
}

func buildGenAIOptions(flags Flags) []genai.Option {
	opts := []genai.Option{
		genai.WithDebugMode(*flags.genaiDebug),
		genai.WithStateDir(*flags.stateDir),
	}
	switch *flags.aiProvider {
	case AIProviderGemini:
		opts = append(opts, genai.WithAPIKey(*flags.geminiKey))
		if *flags.geminiModel != "" {
			opts = append(opts, genai.WithModel(*flags.geminiModel))
		}
	default:
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
		if *flags.openaiModel != "" {
			opts = append(opts, genai.WithModel(*flags.openaiModel))
		}
	}
	return opts
}

// buildGenerator returns the configured text generator and a function that
// releases it.
func buildGenerator(ctx context.Context, flags Flags) (flow.TextGenerator, func() error, error) {
	opts := buildGenAIOptions(flags)
	switch *flags.aiProvider {
	case AIProviderOpenAI:
		c, err := genai.NewClient(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("openai: %w", err)
		}
		return c, func() error { return nil }, nil
	case AIProviderGemini:
		c, err := genai.NewGeminiClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini: %w", err)
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown AI provider %q", *flags.aiProvider)
	}
}

// buildMessagingService creates the provider. The returned routes are nil for
// providers that do not receive messages over HTTP.
func buildMessagingService(ctx context.Context, flags Flags) (messaging.Service, messaging.WebhookRoutes, error) {
	switch *flags.provider {
	case ProviderCloudAPI:
		svc, err := messaging.NewCloudAPIService(
			messaging.WithCloudAPIURL(*flags.cloudAPIURL),
			messaging.WithAccessToken(*flags.cloudAPIToken),
			messaging.WithPhoneID(*flags.cloudAPIPhoneID),
			messaging.WithVerifyToken(*flags.verifyToken),
		)
		if err != nil {
			return nil, nil, err
		}
		if *flags.verifyToken == "" {
			slog.Warn("No webhook verify token configured, verification requests will be rejected")
		}
		return svc, svc, nil
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(*flags.twilioSID),
			twiliowhatsapp.WithAuthToken(*flags.twilioToken),
			twiliowhatsapp.WithFromWhats(*flags.twilioFrom),
		)
		if err != nil {
			return nil, nil, err
		}
		if *flags.publicBaseURL == "" {
			slog.Warn("No public base URL configured, Twilio cannot fetch report PDFs")
		}
		svc := messaging.NewTwilioService(client, *flags.publicBaseURL)
		return svc, svc, nil
	case ProviderWhatsmeow:
		var opts []whatsapp.Option
		opts = append(opts, whatsapp.WithDBDSN(*flags.whatsmeowDSN))
		if *flags.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging provider %q", *flags.provider)
	}
}

func buildAPIOptions(flags Flags) []api.Option {
	return []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithReportsDir(*flags.reportsDir),
		api.WithWebhookRatePerMinute(*flags.webhookRate),
	}
}

// run wires every component and blocks until ctx is cancelled or the HTTP
// server fails.
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	gen, closeGen, err := buildGenerator(ctx, flags)
	if err != nil {
		return err
	}
	defer closeGen()

	svc, webhooks, err := buildMessagingService(ctx, flags)
	if err != nil {
		return fmt.Errorf("failed to create messaging service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer svc.Stop()

	finalizer := flow.NewFinalizer(st, st, svc, flow.NewNarrator(gen), report.NewRenderer(*flags.reportsDir),
		flow.WithCallTimeout(*flags.callTimeout))
	conversation := flow.NewConversation(st, svc, finalizer)

	runner := store.NewJobRunner(st, jobPollInterval)
	flow.RegisterJobHandlers(runner, finalizer)
	// Single instance is guaranteed by the lockfile, so every running job is orphaned.
	if _, err := finalizer.Recover(ctx, runner); err != nil {
		return fmt.Errorf("failed to recover pending finalizations: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		messaging.NewDispatcher(svc, conversation, *flags.workers).Run(runCtx)
	}()

	server := api.NewServer(webhooks, buildAPIOptions(flags)...)
	err = server.Run(runCtx)
	cancel()
	wg.Wait()
	conversation.Close()
	return err
}

// runExport writes all completed sessions to the workbook at flags.exportPath.
func runExport(ctx context.Context, flags Flags) error {
	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	sessions, err := st.ListCompletedSessions(ctx)
	if err != nil {
		return err
	}
	f, err := os.Create(*flags.exportPath)
	if err != nil {
		return err
	}
	if err := report.ExportWorkbook(f, sessions); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("Exported completed sessions", "path", *flags.exportPath, "sessions", len(sessions))
	return nil
}
