package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"taskboard/api/internal/app"
	"taskboard/api/internal/config"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

var (
	reindex       bool
	migrateStatus bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply every pending *.up.sql file from the migrations directory.
With --status nothing is applied; pending versions are listed instead.
With --reindex the search index is rebuilt from the task table afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != "postgres" {
			return fmt.Errorf("migrate needs the postgres store, got %q", cfg.StoreDriver)
		}
		if migrateStatus {
			return runMigrateStatus(cmd, cfg)
		}
		return runMigrate(cmd, cfg, logger)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&reindex, "reindex", false, "rebuild the search index after migrating")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list pending migrations without applying them")
}

func runMigrateStatus(cmd *cobra.Command, cfg config.Config) error {
	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 1})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "schema is up to date")
		return nil
	}
	for _, version := range pending {
		fmt.Fprintf(out, "pending  %s\n", version)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	ctx := cmd.Context()
	started := time.Now()
	data, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("migrations complete", "dir", cfg.MigrationsDir, "duration_ms", time.Since(started).Milliseconds())

	if !reindex {
		return nil
	}
	if cfg.MeiliURL == "" {
		return fmt.Errorf("--reindex needs MEILI_URL")
	}
	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	defer meili.Close()
	if !meili.WaitHealthy(ctx, 10*time.Second) {
		return fmt.Errorf("meilisearch at %s is not healthy", cfg.MeiliURL)
	}

	service := app.New(data, app.Options{
		Search:    search.NewService(meili, search.NewStoreSearcher(data), logger),
		JWTSecret: []byte(cfg.JWTSecret),
		Logger:    logger,
	})
	count, err := service.ReindexSearch(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d tasks\n", count)
	return nil
}
