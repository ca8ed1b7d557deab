package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/TaskPipe/internal/api"
	"github.com/BTreeMap/TaskPipe/internal/assistant"
	"github.com/BTreeMap/TaskPipe/internal/genai"
	"github.com/BTreeMap/TaskPipe/internal/lockfile"
	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/recovery"
	"github.com/BTreeMap/TaskPipe/internal/reminder"
	"github.com/BTreeMap/TaskPipe/internal/scheduler"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/telegram"
	"github.com/BTreeMap/TaskPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TaskPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TaskPipe state data
	DefaultStateDir = "/var/lib/taskpipe"
	// DefaultAppDBFileName is the default SQLite database for tasks and playlists
	DefaultAppDBFileName = "taskpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultJobPollInterval is how often the job runner looks for due reminders
	DefaultJobPollInterval = 5 * time.Second
	// DefaultDedupRetention is how long inbound message IDs are remembered
	DefaultDedupRetention = 7 * 24 * time.Hour
	// maintenanceKey names the scheduler entry that drops idle dialog history
	// and old dedup records
	maintenanceKey = "maintenance"
)

// ErrUnknownTransport is returned for a TRANSPORT value TaskPipe cannot serve.
var ErrUnknownTransport = errors.New("unknown transport")

// Config holds environment configuration
type Config struct {
	StateDir            string        `env:"TASKPIPE_STATE_DIR" envDefault:"/var/lib/taskpipe"`
	DatabaseURL         string        `env:"DATABASE_URL"`
	WhatsAppDBDSN       string        `env:"WHATSAPP_DB_DSN"`
	Transport           string        `env:"TRANSPORT" envDefault:"whatsapp"`
	TwilioAccountSID    string        `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken     string        `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber    string        `env:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL    string        `env:"TWILIO_WEBHOOK_URL"`
	TelegramBotToken    string        `env:"TELEGRAM_BOT_TOKEN"`
	OpenAIKey           string        `env:"OPENAI_API_KEY"`
	APIAddr             string        `env:"API_ADDR" envDefault:":8080"`
	DefaultTimeZone     string        `env:"DEFAULT_TIME_ZONE" envDefault:"UTC"`
	WelcomeAnimationURL string        `env:"WELCOME_ANIMATION_URL"`
	HistoryIdleTTL      time.Duration `env:"HISTORY_IDLE_TTL" envDefault:"24h"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`

	// Flag-only settings.
	QROutput    string `env:"-"`
	NumericCode bool   `env:"-"`
}

func main() {
	config, err := loadEnvironmentConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}
	if err := parseCommandLineFlags(flag.CommandLine, &config, os.Args[1:]); err != nil {
		os.Exit(2)
	}
	resolveDefaults(&config)
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping TaskPipe", "transport", config.Transport, "state_dir", config.StateDir, "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("TaskPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TaskPipe exited successfully")
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return config, nil
}

// parseCommandLineFlags lets flags override environment values.
func parseCommandLineFlags(fs *flag.FlagSet, config *Config, args []string) error {
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for TaskPipe data (overrides $TASKPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "database DSN for tasks and playlists (overrides $DATABASE_URL)")
	fs.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp device store (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.Transport, "transport", config.Transport, "chat transport: whatsapp, twilio, telegram or http (overrides $TRANSPORT)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.DefaultTimeZone, "default-time-zone", config.DefaultTimeZone, "time zone for new tasks (overrides $DEFAULT_TIME_ZONE)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&config.QROutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", false, "use numeric login code instead of QR code")
	return fs.Parse(args)
}

// resolveDefaults fills in the paths that depend on the state directory.
func resolveDefaults(config *Config) {
	config.Transport = strings.ToLower(strings.TrimSpace(config.Transport))
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// initializeLogger installs a text handler at the configured level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// transport is the selected chat service plus what main must tear down.
type transport struct {
	kind    models.Transport
	service messaging.Service
	twilio  *messaging.TwilioService
	closeFn func()
}

// buildTransport connects the chat service named by config.Transport.
func buildTransport(ctx context.Context, config Config) (transport, error) {
	switch config.Transport {
	case string(models.TransportWhatsApp):
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
		if config.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
		}
		if config.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return transport{}, err
		}
		return transport{kind: models.TransportWhatsApp, service: messaging.NewWhatsAppService(client), closeFn: client.Disconnect}, nil

	case string(models.TransportTwilio):
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
		)
		if err != nil {
			return transport{}, err
		}
		var opts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(client, config.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures are not validated")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return transport{kind: models.TransportTwilio, service: svc, twilio: svc}, nil

	case string(models.TransportTelegram):
		client, err := telegram.NewClient(telegram.WithToken(config.TelegramBotToken))
		if err != nil {
			return transport{}, err
		}
		return transport{kind: models.TransportTelegram, service: messaging.NewTelegramService(client)}, nil

	case string(models.TransportHTTP):
		return transport{kind: models.TransportHTTP, service: messaging.NewLogService()}, nil
	}
	return transport{}, fmt.Errorf("%w %q", ErrUnknownTransport, config.Transport)
}

// buildAssistantOptions constructs assistant configuration options
func buildAssistantOptions(config Config, reminders assistant.Reminders) ([]assistant.Option, error) {
	opts := []assistant.Option{
		assistant.WithDefaultTimeZone(config.DefaultTimeZone),
		assistant.WithReminders(reminders),
	}
	if config.WelcomeAnimationURL != "" {
		opts = append(opts, assistant.WithWelcomeAnimation(config.WelcomeAnimationURL))
	}
	if config.OpenAIKey != "" {
		chatter, err := genai.NewClient(genai.WithAPIKey(config.OpenAIKey))
		if err != nil {
			return nil, err
		}
		opts = append(opts, assistant.WithChatter(chatter))
	} else {
		slog.Debug("No OpenAI API key provided, chit-chat uses canned replies")
	}
	return opts, nil
}

// run wires every component and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, config Config) error {
	lock, err := lockfile.Acquire(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	runner := store.NewJobRunner(st, DefaultJobPollInterval)

	tr, err := buildTransport(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to build %s transport: %w", config.Transport, err)
	}
	if tr.closeFn != nil {
		defer tr.closeFn()
	}

	reminders := reminder.NewService(st, st, sched, tr.service)
	reminders.RegisterHandlers(runner)

	asstOpts, err := buildAssistantOptions(config, reminders)
	if err != nil {
		return fmt.Errorf("failed to configure assistant: %w", err)
	}
	asst, err := assistant.New(st, st, asstOpts...)
	if err != nil {
		return fmt.Errorf("failed to wire assistant: %w", err)
	}

	rec := recovery.NewManager()
	rec.Register("jobs", recovery.StaleJobs(runner))
	rec.Register("reminders", recovery.Reminders(reminders))
	if res, err := rec.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err, "restored", res.Restored, "failed", res.Failed)
	}

	if config.HistoryIdleTTL > 0 {
		ttl := config.HistoryIdleTTL
		if err := sched.Schedule(maintenanceKey, "@every "+(ttl/4).String(), "", func() {
			if n := asst.History.EvictIdle(ttl); n > 0 {
				slog.Debug("Evicted idle dialog history", "count", n)
			}
			if _, err := st.PruneInbound(ctx, time.Now().Add(-DefaultDedupRetention)); err != nil {
				slog.Warn("Failed to prune inbound dedup records", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule maintenance: %w", err)
		}
	}

	router := messaging.NewRouter(asst, messaging.WithDedup(st))
	router.Register(tr.kind, tr.service)
	if err := tr.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s service: %w", tr.kind, err)
	}
	defer tr.service.Stop()

	apiOpts := []api.Option{api.WithAddr(config.APIAddr)}
	if tr.twilio != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(tr.twilio))
	}
	server := api.NewServer(router, asst.History, st, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}
