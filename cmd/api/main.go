package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"quire/api/internal/app"
	"quire/api/internal/config"
	"quire/api/internal/email"
	"quire/api/internal/inbox"
	"quire/api/internal/log"
	"quire/api/internal/mirror"
	"quire/api/internal/notify"
	"quire/api/internal/relay"
	"quire/api/internal/search"
	"quire/api/internal/snapshot"
	"quire/api/internal/store"
	"quire/api/internal/telemetry"
	"quire/api/internal/threads"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "quire-api",
		Short:         "Collaborative comment and annotation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(commentCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, nil, err
	}
	log.SetLevel(cfg.LogLevel)
	logger := log.New("quire")
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir))
	for _, version := range applied {
		logger.Info("migration applied", "version", version)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cfg, logger)
		},
	}
}

func serve(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	dataStore := store.New(db)
	if err := app.Bootstrap(ctx, dataStore); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", "err", err)
	}

	deps := app.Deps{
		TokenSecret: cfg.TokenSecret,
		Store:       dataStore,
		SubjectWait: cfg.NotifySubjectWait,
	}

	var channels []notify.Channel
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisInbox, err := inbox.NewRedisInbox(cfg.RedisURL, inbox.Options{
			DedupeTTL: cfg.InboxDedupeTTL,
			MaxItems:  cfg.InboxMaxItems,
		})
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisInbox.Close()
		channels = append(channels, redisInbox)
		deps.Inbox = redisInbox
	} else {
		logger.Warn("REDIS_URL not set, inbox disabled")
	}

	mailer := email.NewChannel(email.Config{
		APIKey: cfg.ResendAPIKey,
		From:   cfg.EmailFrom,
		AppURL: cfg.AppURL,
		Types:  cfg.EmailTypes,
	})
	if mailer.IsConfigured() {
		channels = append(channels, mailer)
	}
	deps.Dispatcher = notify.NewDispatcher(dataStore, notify.NewFanout(channels...), log.SubLogger(logger, "notify"),
		notify.WithDedupeTTL(cfg.NotifyDedupeTTL),
	)

	var analytics []notify.Notifier
	if strings.TrimSpace(cfg.PosthogAPIKey) != "" {
		posthog, err := telemetry.NewClient(cfg.PosthogAPIKey, cfg.PosthogEndpoint)
		if err != nil {
			return fmt.Errorf("posthog client: %w", err)
		}
		defer posthog.Close()
		analytics = append(analytics, telemetry.NewPosthogNotifier(posthog, log.SubLogger(logger, "posthog")))
	}
	deps.Analytics = notify.NewMergedNotifier(analytics...)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.SubLogger(logger, "meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewFallback(dataStore), log.SubLogger(logger, "search"))
	deps.Search = searchService

	var objects snapshot.ObjectStore
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minioStore, err := snapshot.NewMinioStore(ctx, snapshot.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		objects = minioStore
	} else {
		logger.Warn("S3_ENDPOINT not set, room snapshots kept in memory")
		objects = snapshot.NewMemoryStore()
	}

	mirrorLogger := log.SubLogger(logger, "mirror")
	hub := relay.NewHub(relay.Config{
		Snapshots: snapshot.New(objects),
		Logger:    log.SubLogger(logger, "relay"),
		OnOpen: func(roomID string, ts *threads.Store) func() {
			m := mirror.New(roomID, ts, dataStore, mirrorLogger, mirror.Config{Attempts: cfg.MirrorAttempts})
			stopMirror := m.Track(ts)
			for _, thread := range ts.List() {
				m.Enqueue(thread.ID)
			}
			stopSearch := searchService.Track(roomID, ts)
			searchService.Reindex(roomID, ts.List())
			return func() {
				stopSearch()
				stopMirror()
				closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := m.Close(closeCtx); err != nil {
					mirrorLogger.Warn("mirror closed with pending writes", "room", roomID, "pending", m.Pending(), "err", err)
				}
			}
		},
	})
	deps.Relay = hub

	service := app.New(deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log.SubLogger(logger, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Quire API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	// rooms save their snapshots and drain their mirrors on close
	hub.Close()
	return nil
}
