package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/VladCristian27/rag-site-auditor/internal/api"
	"github.com/VladCristian27/rag-site-auditor/internal/crawler"
	"github.com/VladCristian27/rag-site-auditor/internal/storage"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API for launching crawls and reading stored pages",
		Long: `Serve exposes crawl runs over HTTP.

  POST /api/crawls              start a run ({"seeds": [...], "max_pages": 10})
  GET  /api/crawls[/{id}]       list runs or inspect one
  POST /api/crawls/{id}/cancel  cancel a running crawl
  GET  /api/crawls/{id}/events  Server-Sent Events progress stream
  GET  /api/pages[?url=...]     list stored pages or fetch one by URL
  GET  /docs                    interactive API documentation

Limits omitted from a request fall back to the crawl section of the configuration.`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().String("addr", "", "HTTP listen address (default from api.addr)")
	cmd.Flags().Int("max-concurrency", 0, "Maximum concurrent crawl runs (default from api.max_concurrency)")
	cmd.Flags().String("driver", "", "Storage driver: sqlite, postgres, pgx or jsonl")
	cmd.Flags().String("dsn", "", "Postgres connection string")
	cmd.Flags().StringP("output", "o", "", "sqlite database or JSON Lines file path")

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyStorageFlags(cmd, cfg); err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.API.Addr = addr
	}
	if maxConc, _ := cmd.Flags().GetInt("max-concurrency"); maxConc > 0 {
		cfg.API.MaxConcurrency = maxConc
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	pages, _ := store.(storage.Reader)
	if pages == nil {
		logger.Warn("storage driver is write-only; page endpoints disabled", "driver", cfg.Storage.Driver)
	}

	engine, err := crawler.NewEngine(*cfg, store, logger)
	if err != nil {
		return err
	}
	defaults := crawler.ParamsFromConfig(cfg.Crawl)
	manager := api.NewRunManager(ctx, engine, defaults, cfg.API.MaxConcurrency, logger)
	server := api.NewServer(manager, pages, logger)

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", cfg.API.Addr, "max_concurrency", cfg.API.MaxConcurrency)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		manager.Shutdown()
		return fmt.Errorf("serve: %w", err)
	}
	manager.Shutdown()
	logger.Info("api server stopped")
	return nil
}
