package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/posdesk/posdesk/internal/catalog"
	"github.com/posdesk/posdesk/internal/combo"
	"github.com/posdesk/posdesk/internal/config"
	"github.com/posdesk/posdesk/internal/ingest"
	httpapi "github.com/posdesk/posdesk/internal/interfaces/http"
	"github.com/posdesk/posdesk/internal/marks"
	"github.com/posdesk/posdesk/internal/rules"
	"github.com/posdesk/posdesk/internal/snapshot"
)

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	addrOverride, _ := cmd.Flags().GetString("addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.HTTP.Addr = addrOverride
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backing, cleanup, err := openBacking(ctx, cfg.Catalog)
	if err != nil {
		return err
	}
	defer cleanup()

	engine := rules.NewEngine(cfg.Rules.BaseCurrency)
	publisher := snapshot.NewPublisher(cfg.HTTP.SubscriberBuffer)

	store, err := catalog.Open(ctx, backing, publisher, engine)
	if err != nil {
		return fmt.Errorf("failed to open rules catalog: %w", err)
	}
	log.Info().Int("version", store.Active().Catalog.Version).Int("rules", len(store.Active().Catalog.Rules)).Msg("rules catalog loaded")

	metrics := httpapi.NewMetricsRegistry()

	pipeline := ingest.NewPipeline(
		marks.NewResolver(cfg.Staleness),
		combo.NewDetector(cfg.Detect),
		engine,
	)

	var mirror *snapshot.RedisMirror
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		mirror = snapshot.NewRedisMirror(client, "posdesk:snapshot:latest", cfg.Redis.TTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("snapshot redis mirror enabled")
	}

	feed := ingest.NewFixtureFeed()
	loop := ingest.NewLoop(cfg.Loop, feed, pipeline, store, publisher, mirror, metrics)

	server := httpapi.NewServer(httpapi.ServerConfig{
		Addr:             cfg.HTTP.Addr,
		ReadTimeout:      cfg.HTTP.ReadTimeout,
		WriteTimeout:     cfg.HTTP.WriteTimeout,
		RequestTimeout:   cfg.HTTP.RequestTimeout,
		PublishPerMinute: cfg.HTTP.PublishPerMinute,
	}, publisher, store, metrics)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go loop.Run(ctx)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}

// openBacking picks the catalog backing store: postgres when a DSN is
// configured, otherwise the local file.
func openBacking(ctx context.Context, cfg config.CatalogConfig) (catalog.Backing, func(), error) {
	if cfg.PostgresDSN != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store, err := catalog.NewPostgresStore(ctx, db, 5*time.Second)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info().Msg("catalog backing: postgres")
		return store, func() { db.Close() }, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create catalog dir: %w", err)
		}
	}
	log.Info().Str("path", cfg.Path).Msg("catalog backing: file")
	return catalog.NewFileStore(cfg.Path), func() {}, nil
}
