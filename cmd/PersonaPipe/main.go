package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/PersonaPipe/internal/api"
	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/lockfile"
	"github.com/BTreeMap/PersonaPipe/internal/messaging"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/scheduler"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/telegram"
	"github.com/BTreeMap/PersonaPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PersonaPipe/internal/util"
	"github.com/BTreeMap/PersonaPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PersonaPipe state data
	DefaultStateDir = "/var/lib/personapipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "personapipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultHoroscopeCron sends the daily forecast at 09:00
	DefaultHoroscopeCron = "0 9 * * *"
	// DailyHoroscopeJob names the broadcast job in logs
	DailyHoroscopeJob = "daily-horoscope"
)

// Messaging providers.
const (
	ProviderTelegram = "telegram"
	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
	ProviderNone     = "none"
)

// GenAI providers.
const (
	GenAIProviderOpenAI = "openai"
	GenAIProviderGemini = "gemini"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(os.Stdout, config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PersonaPipe", "messaging", flags.messaging, "genai", flags.genaiProvider, "stateDir", flags.stateDir)
	if err := run(ctx, flags); err != nil {
		slog.Error("PersonaPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PersonaPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	MessagingProvider  string
	TelegramToken      string
	TelegramAPIBase    string
	WhatsAppDBDSN      string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TwilioWebhookURL   string
	GenAIProvider      string
	OpenAIKey          string
	OpenAIBaseURL      string
	GeminiKey          string
	ModelName          string
	MaxTokens          int
	Temperature        float64
	TranscriptionModel string
	GenAIDebug         bool
	AdminChatID        string
	HoroscopeCron      string
	APIAddr            string
	HistoryLimit       int
	LogLevel           string
}

// Flags holds the final settings after command line overrides.
type Flags struct {
	Config
	qrOutput  string
	numeric   bool
	messaging string

	genaiProvider string
	stateDir      string
	dbDSN         string
	apiAddr       string
	cron          string
}

// initializeLogger installs a text slog handler at the configured level.
func initializeLogger(w io.Writer, level string) {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:           util.GetenvDefault("PERSONAPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MessagingProvider:  strings.ToLower(util.GetenvDefault("MESSAGING_PROVIDER", ProviderTelegram)),
		TelegramToken:      os.Getenv("TELEGRAM_TOKEN"),
		TelegramAPIBase:    os.Getenv("TELEGRAM_API_BASE"),
		WhatsAppDBDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:   os.Getenv("TWILIO_WEBHOOK_URL"),
		GenAIProvider:      strings.ToLower(util.GetenvDefault("GENAI_PROVIDER", GenAIProviderOpenAI)),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		GeminiKey:          os.Getenv("GEMINI_API_KEY"),
		ModelName:          os.Getenv("MODEL_NAME"),
		MaxTokens:          util.ParseIntEnv("MAX_TOKENS", genai.DefaultMaxTokens),
		Temperature:        util.ParseFloatEnv("TEMPERATURE", genai.DefaultTemperature),
		TranscriptionModel: os.Getenv("TRANSCRIPTION_MODEL"),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		AdminChatID:        os.Getenv("ADMIN_CHAT_ID"),
		HoroscopeCron:      util.GetenvDefault("HOROSCOPE_CRON", DefaultHoroscopeCron),
		APIAddr:            util.GetenvDefault("API_ADDR", api.DefaultAddr),
		HistoryLimit:       util.ParseIntEnv("HISTORY_LIMIT", models.DefaultHistoryLimit),
		LogLevel:           os.Getenv("LOG_LEVEL"),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlitePath", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"PERSONAPIPE_STATE_DIR", config.StateDir,
		"MESSAGING_PROVIDER", config.MessagingProvider,
		"GENAI_PROVIDER", config.GenAIProvider,
		"TELEGRAM_TOKEN_SET", config.TelegramToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"ADMIN_CHAT_ID_SET", config.AdminChatID != "",
		"HOROSCOPE_CRON", config.HoroscopeCron,
		"API_ADDR", config.APIAddr)
	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{Config: config}
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.numeric, "numeric-code", false, "print the raw WhatsApp login code instead of a QR code")
	fs.StringVar(&flags.messaging, "messaging", config.MessagingProvider, "messaging provider: telegram, whatsapp, twilio or none (overrides $MESSAGING_PROVIDER)")
	fs.StringVar(&flags.genaiProvider, "genai", config.GenAIProvider, "generation backend: openai or gemini (overrides $GENAI_PROVIDER)")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for PersonaPipe data (overrides $PERSONAPIPE_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "postgres URL or sqlite path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.cron, "horoscope-cron", config.HoroscopeCron, "cron schedule of the daily horoscope, empty to disable (overrides $HOROSCOPE_CRON)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow a state directory override unless the DSNs were set explicitly.
	if flags.stateDir != config.StateDir {
		if flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			flags.dbDSN = filepath.Join(flags.stateDir, DefaultAppDBFileName)
		}
		if flags.WhatsAppDBDSN == defaultWhatsAppDSN(config.StateDir) {
			flags.WhatsAppDBDSN = defaultWhatsAppDSN(flags.stateDir)
		}
		slog.Debug("State directory overridden", "old", config.StateDir, "new", flags.stateDir)
	}
	flags.messaging = strings.ToLower(flags.messaging)
	flags.genaiProvider = strings.ToLower(flags.genaiProvider)

	slog.Debug("flags parsed",
		"messaging", flags.messaging,
		"genai", flags.genaiProvider,
		"stateDir", flags.stateDir,
		"dbDSNSet", flags.dbDSN != "",
		"apiAddr", flags.apiAddr,
		"horoscopeCron", flags.cron)
	return flags, nil
}

// run wires every module and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, transcriber, err := newGenAI(ctx, flags)
	if err != nil {
		return err
	}

	svc, webhook, err := newMessagingService(ctx, flags)
	if err != nil {
		return err
	}

	pipelineOpts := []flow.Option{flow.WithHistoryLimit(flags.HistoryLimit)}
	var apiOpts []api.Option
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}

	var sched *scheduler.Scheduler
	var handler *messaging.ResponseHandler
	if svc != nil {
		notifier := messaging.NewAdminNotifier(svc, flags.AdminChatID)
		pipelineOpts = append(pipelineOpts,
			flow.WithAnnouncer(messaging.NewAnnouncer(svc)),
			flow.WithNotifier(notifier))
		pipeline := flow.NewPipeline(st, gen, pipelineOpts...)

		handler = messaging.NewResponseHandler(svc, pipeline,
			messaging.WithTranscriber(transcriber),
			messaging.WithFeedbackNotifier(notifier))
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		handler.Start(ctx)

		if flags.cron != "" {
			sched = scheduler.NewScheduler()
			broadcaster := flow.NewBroadcaster(st, gen, svc)
			if err := sched.AddJob(DailyHoroscopeJob, flags.cron, dailyHoroscopeJob(broadcaster)); err != nil {
				sched.Stop()
				return err
			}
		}

		apiServer := api.NewServer(st, pipeline, apiOpts...)
		err = apiServer.Run(ctx, flags.apiAddr)
	} else {
		slog.Info("Messaging disabled, serving the HTTP API only")
		pipeline := flow.NewPipeline(st, gen, pipelineOpts...)
		err = api.NewServer(st, pipeline, apiOpts...).Run(ctx, flags.apiAddr)
	}

	if sched != nil {
		sched.Stop()
	}
	if svc != nil {
		if stopErr := svc.Stop(); stopErr != nil {
			slog.Warn("Failed to stop messaging service", "error", stopErr)
		}
		handler.Wait()
	}
	return err
}

func dailyHoroscopeJob(b *flow.Broadcaster) scheduler.Job {
	return func(ctx context.Context) error {
		sent, err := b.SendDailyForecasts(ctx)
		slog.Info("Daily horoscope broadcast finished", "sent", sent)
		return err
	}
}

// openStore picks the backend from the DSN: postgres URLs and key=value
// strings go to PostgreSQL, anything else is a SQLite path.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	path := strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dbPath", path)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	opts := []genai.Option{
		genai.WithTemperature(flags.Temperature),
		genai.WithMaxTokens(flags.MaxTokens),
		genai.WithStateDir(flags.stateDir),
		genai.WithDebugMode(flags.GenAIDebug),
	}
	switch flags.genaiProvider {
	case GenAIProviderGemini:
		opts = append(opts, genai.WithAPIKey(flags.GeminiKey))
	default:
		opts = append(opts, genai.WithAPIKey(flags.OpenAIKey))
		if flags.OpenAIBaseURL != "" {
			opts = append(opts, genai.WithBaseURL(flags.OpenAIBaseURL))
		}
		if flags.TranscriptionModel != "" {
			opts = append(opts, genai.WithTranscriptionModel(flags.TranscriptionModel))
		}
	}
	if flags.ModelName != "" {
		opts = append(opts, genai.WithModel(flags.ModelName))
	}
	return opts
}

func newGenAI(ctx context.Context, flags Flags) (genai.Generator, genai.Transcriber, error) {
	opts := buildGenAIOptions(flags)
	switch flags.genaiProvider {
	case GenAIProviderOpenAI:
		c, err := genai.NewClient(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return c, c, nil
	case GenAIProviderGemini:
		c, err := genai.NewGeminiClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		go func() {
			<-ctx.Done()
			c.Close()
		}()
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unknown genai provider %q", flags.genaiProvider)
	}
}

// newMessagingService builds the configured transport. The returned handler is
// non-nil only for Twilio, whose messages arrive through the HTTP API.
func newMessagingService(ctx context.Context, flags Flags) (messaging.Service, http.HandlerFunc, error) {
	switch flags.messaging {
	case ProviderTelegram:
		if flags.TelegramToken == "" {
			return nil, nil, errors.New("TELEGRAM_TOKEN is required for the telegram provider")
		}
		client := telegram.NewClient(flags.TelegramAPIBase, flags.TelegramToken, telegram.DefaultRequestTimeout)
		return messaging.NewTelegramService(client), nil, nil
	case ProviderWhatsApp:
		var opts []whatsapp.Option
		if flags.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(flags.qrOutput))
		}
		if flags.numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		opts = append(opts, whatsapp.WithDBDSN(flags.WhatsAppDBDSN))
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		go func() {
			<-ctx.Done()
			client.Disconnect()
		}()
		return messaging.NewWhatsAppService(client), nil, nil
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(flags.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(flags.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(flags.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, err
		}
		var opts []messaging.TwilioOption
		if flags.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookURL(flags.TwilioWebhookURL))
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc.TwilioWebhookHandler, nil
	case ProviderNone:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging provider %q", flags.messaging)
	}
}
