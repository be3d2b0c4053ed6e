package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskboard/api/internal/app"
	"taskboard/api/internal/blob"
	"taskboard/api/internal/config"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/session"
	"taskboard/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and realtime server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runServe(ctx, cfg, logger)
	},
}

// openStore returns the configured store and, for postgres, the database
// handle to close. Pending migrations are applied before it is returned.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (app.Store, *sql.DB, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: cfg.DBMaxConns})
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	for _, version := range applied {
		logger.Info("applied migration", "version", version)
	}
	return store.NewPostgresStore(db), db, nil
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	data, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	var tickets session.TicketStore
	if cfg.RedisURL != "" {
		logger.Info("using redis for realtime tickets")
		redisTickets, err := session.NewRedisTickets(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisTickets.Close()
		tickets = redisTickets
	} else {
		memoryTickets := session.NewMemoryTickets(time.Minute)
		defer memoryTickets.Close()
		tickets = memoryTickets
	}

	var meili *search.Meili
	if cfg.MeiliURL != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewStoreSearcher(data), logger)

	var blobs blob.Store
	if cfg.MinIOEndpoint != "" {
		minioStore, err := blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
		if err != nil {
			return fmt.Errorf("object storage connection failed: %w", err)
		}
		blobs = minioStore
	} else {
		logger.Warn("MINIO_ENDPOINT not set; attachments are kept in memory")
		blobs = blob.NewMemoryStore()
	}

	hub := realtime.NewHub(cfg.PushTimeout, logger)
	service := app.New(data, app.Options{
		Pusher:            hub,
		Search:            searchService,
		Blobs:             blobs,
		Tickets:           tickets,
		JWTSecret:         []byte(cfg.JWTSecret),
		TicketTTL:         cfg.TicketTTL,
		AttachmentURLTTL:  cfg.AttachmentTTL,
		NotifyConcurrency: cfg.NotifyConcurrency,
		Logger:            logger,
	})

	var originPatterns []string
	if cfg.CORSOrigin != "" && cfg.CORSOrigin != "*" {
		if origin, err := url.Parse(cfg.CORSOrigin); err == nil && origin.Host != "" {
			originPatterns = []string{origin.Host}
		}
	}
	realtimeHandler := realtime.NewHandler(hub, service, service.Notifier(), realtime.HandlerOptions{
		PingInterval:   cfg.PingInterval,
		OriginPatterns: originPatterns,
		Logger:         logger,
	})

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:     cfg.CORSOrigin,
		Realtime:       realtimeHandler,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("taskboard api listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}
