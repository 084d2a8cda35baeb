package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/botrelay/internal/api"
	"github.com/xaenox/botrelay/internal/notify"
	"github.com/xaenox/botrelay/internal/platform"
	"github.com/xaenox/botrelay/internal/storage"
	"github.com/xaenox/botrelay/internal/supervisor"
	"github.com/xaenox/botrelay/internal/throttle"
	"github.com/xaenox/botrelay/internal/transcribe"
	"github.com/xaenox/botrelay/pkg/config"
	"github.com/xaenox/botrelay/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	os.Exit(runMain(os.Args[1:]))
}

// runMain returns the process exit code so that deferred calls, the final
// log sync included, run before the process exits.
func runMain(args []string) int {
	flags := flag.NewFlagSet("botrelay", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Initialize logger
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	if err := tgbotapi.SetLogger(zap.NewStdLog(log.Named("telegram"))); err != nil {
		log.Warn("Failed to route telegram library logs", zap.Error(err))
	}

	if err := run(cfg, log); err != nil {
		log.Error("Relay service failed", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	// Initialize storage
	store, err := openStorage(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var transcriber transcribe.Transcriber
	if cfg.OpenAI.APIKey != "" {
		log.Info("Voice transcription enabled", zap.String("model", cfg.OpenAI.Model))
		transcriber = transcribe.NewOpenAITranscriber(cfg.OpenAI.APIKey, cfg.OpenAI.Model, log)
	}

	client := platform.NewTelegramClient(platform.TelegramConfig{
		APIEndpoint:  cfg.Telegram.APIEndpoint,
		FileEndpoint: cfg.Telegram.FileEndpoint,
		PollTimeout:  cfg.Telegram.PollTimeout,
		SendTimeout:  cfg.Telegram.SendTimeout,
		RetryDelay:   cfg.Telegram.RetryDelay,
	}, nil, transcriber, log)

	checks := map[string]api.Check{}

	var limiter throttle.Limiter = throttle.NopLimiter{}
	if cfg.Redis.Addr != "" {
		rdb, err := throttle.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		limiter = throttle.NewRedisLimiter(rdb, cfg.Redis.AutoReplyLimit, cfg.Redis.AutoReplyWindow)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("Auto-reply throttling enabled",
			zap.Int("limit", cfg.Redis.AutoReplyLimit),
			zap.Duration("window", cfg.Redis.AutoReplyWindow))
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = nc
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
		log.Info("Inbox events enabled", zap.String("prefix", cfg.NATS.SubjectPrefix))
	}

	sup := supervisor.New(supervisor.Config{
		StopTimeout:      cfg.Supervisor.StopTimeout,
		EventTimeout:     cfg.Supervisor.EventTimeout,
		MaxParallelStops: cfg.Supervisor.MaxParallelStops,
	}, supervisor.Deps{
		Client:    client,
		Store:     store,
		Limiter:   limiter,
		Publisher: publisher,
		Logger:    log,
	})

	if _, err := sup.RestoreOnStartup(ctx); err != nil {
		return err
	}

	handler := api.NewHandler(store, sup, client, publisher, log)
	router := api.NewRouter(api.RouterConfig{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimit:      cfg.HTTP.RateLimit,
		RateWindow:     cfg.HTTP.RateWindow,
	}, handler, api.NewHealthHandler(checks), log)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := sup.StopAll(shutdownCtx); err != nil {
		log.Error("Some relays did not stop cleanly", zap.Error(err))
	}

	log.Info("Relay service stopped")
	return runErr
}

func openStorage(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		log.Info("Using PostgreSQL storage")
		return storage.NewPostgresStorage(ctx, storage.DatabaseConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		}, log)
	case config.DriverMySQL:
		log.Info("Using MySQL storage")
		return storage.NewMySQLStorage(cfg.DSN, log)
	default:
		log.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}
}
