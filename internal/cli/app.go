// Package cli wires the tally client together and implements the terminal
// commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tally/internal/amqp"
	"tally/internal/api"
	"tally/internal/cache"
	"tally/internal/config"
	"tally/internal/events"
	"tally/internal/log"
	"tally/internal/resources"
	"tally/internal/services"
	"tally/internal/session"
	"tally/internal/storage"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as the file is optional.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger builds the process logger from cfg and makes it the default.
func SetupLogger(cfg *config.Config) *log.Logger {
	lc := log.DefaultConfig()
	lc.Level = log.ParseLevel(cfg.LogLevel)
	lc.Format = cfg.LogFormat
	logger := log.New(lc)
	log.SetDefault(logger)
	return logger
}

// LoadAndValidateConfig loads configuration from the environment.
func LoadAndValidateConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// App holds the wired client components for one process.
type App struct {
	Config    *config.Config
	Logger    *log.Logger
	Tokens    storage.TokenStore
	Events    *events.Bus
	Cache     *cache.Store
	Resources *resources.Resources
	Session   *session.Manager
	Dashboard *services.DashboardService
	Broker    *amqp.Client // nil unless AMQP_URL is set and reachable

	cleanups []func() error
}

// NewApp opens the token store and builds the client stack described by cfg.
// A configured but unreachable broker is logged and skipped.
func NewApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Discard()
	}
	app := &App{Config: cfg, Logger: logger}

	tokens, err := storage.Open(storage.Options{
		Backend:      cfg.TokenStore,
		FilePath:     cfg.TokenFile,
		SQLiteDBPath: cfg.SQLiteDBPath,
	}, logger.WithComponent(log.ComponentStorage))
	if err != nil {
		return nil, err
	}
	app.Tokens = tokens.Store
	app.cleanups = append(app.cleanups, tokens.Cleanup)

	app.Events = events.NewBus(logger)
	if cfg.AMQPURL != "" {
		broker, err := amqp.NewClient(ctx, cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("Event publishing disabled", log.FieldError, err.Error())
		} else {
			app.Broker = broker
			app.Events.AddSink(broker)
			app.cleanups = append(app.cleanups, broker.Close)
		}
	}

	app.Cache = cache.NewStore(cfg.CacheMaxEntries, cfg.CacheTTL, logger)
	manager := cache.NewManager(logger)
	manager.Register(app.Cache)
	manager.StartCleanup(cfg.CacheCleanupInterval)
	stopWatch := app.Events.WatchCache(app.Cache)
	app.cleanups = append(app.cleanups, func() error {
		stopWatch()
		manager.Stop()
		return nil
	})

	client, err := api.New(api.Options{
		BaseURL:     cfg.APIBaseURL,
		Timeout:     cfg.HTTPTimeout,
		ReadRetries: cfg.ReadRetries,
		Events:      app.Events,
		Logger:      logger,
	}, app.Tokens)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Resources = resources.New(client, app.Cache, logger)
	app.Session = session.New(app.Resources.Auth, app.Tokens, session.Options{
		Cache:  app.Cache,
		Events: app.Events,
		Logger: logger,
	})
	app.cleanups = append(app.cleanups, func() error {
		app.Session.Close()
		return nil
	})
	app.Dashboard = services.NewDashboardService(app.Resources.Reports, app.Resources.Budgets, app.Resources.Categories, logger)

	logger.Debug("Client initialized",
		log.FieldOperation, log.OpStartup,
		log.FieldBackend, cfg.TokenStore,
		"api", cfg.APIBaseURL)
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close app: %w", err)
	}
	return nil
}
