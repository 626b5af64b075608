package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/VladCristian27/rag-site-auditor/internal/config"
	"github.com/VladCristian27/rag-site-auditor/internal/crawler"
	"github.com/VladCristian27/rag-site-auditor/internal/storage"
)

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Crawl one or more sites breadth-first and store every page",
		Long: `Crawl walks outward from the seed URLs in breadth-first order.

Seeds given on the command line replace crawl.seeds from the configuration file.
URLs without a scheme are treated as https. Pages that cannot be fetched or are
disallowed by robots.txt are stored as fetch_failed_or_blocked records.

Examples:
  # Crawl up to 10 pages, two links deep, staying on the seed's domain
  sitecrawler crawl https://example.com

  # Follow external links and write JSON Lines to a file
  sitecrawler crawl --same-domain-only=false --driver jsonl -o pages.jsonl example.com

  # Store in sqlite and echo every record to stdout
  sitecrawler crawl --stdout -p 50 -d 3 https://example.com`,
		Args: cobra.ArbitraryArgs,
		RunE: runCrawlCmd,
	}

	defaults := config.Default()
	cmd.Flags().IntP("max-pages", "p", defaults.Crawl.MaxPages, "Maximum number of pages to process")
	cmd.Flags().IntP("max-depth", "d", defaults.Crawl.MaxDepth, "Maximum link depth; seeds are depth 0")
	cmd.Flags().Bool("same-domain-only", defaults.Crawl.SameDomainOnly, "Only follow links on the first seed's host")
	cmd.Flags().Duration("delay", defaults.Crawl.DefaultDelay.Duration, "Pause after each page when robots.txt sets no crawl-delay")
	cmd.Flags().String("user-agent", "", "User-Agent header and robots.txt group")
	cmd.Flags().String("driver", defaults.Storage.Driver, "Storage driver: sqlite, postgres, pgx or jsonl")
	cmd.Flags().String("dsn", "", "Postgres connection string")
	cmd.Flags().StringP("output", "o", "", "sqlite database or JSON Lines file path")
	cmd.Flags().Bool("stdout", false, "Also print every record as a JSON line on stdout")

	return cmd
}

func runCrawlCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyCrawlFlags(cmd, cfg, args); err != nil {
		return err
	}
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

	var sink storage.Sink = store
	echo, _ := cmd.Flags().GetBool("stdout")
	if echo && !writesToStdout(cfg.Storage) {
		sink = storage.Multi{store, storage.NewJSONLStream(cmd.OutOrStdout())}
	}

	engine, err := crawler.NewEngine(*cfg, sink, logger)
	if err != nil {
		return err
	}

	params := crawler.ParamsFromConfig(cfg.Crawl)
	params.Progress = func(stats crawler.Stats) {
		logger.Debug("crawl progress", "processed", stats.Processed, "url", stats.LastURL)
	}
	stats, err := engine.Crawl(ctx, params)
	fmt.Fprintf(cmd.ErrOrStderr(), "processed %d pages: %d ok, %d failed, %d blocked, %d skipped\n",
		stats.Processed, stats.Succeeded, stats.Failed, stats.Blocked, stats.Skipped)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("crawl interrupted: %w", err)
		}
		return fmt.Errorf("crawl: %w", err)
	}
	return nil
}

// applyCrawlFlags overlays explicitly set flags and positional seeds onto cfg.
func applyCrawlFlags(cmd *cobra.Command, cfg *config.Config, args []string) error {
	if len(args) > 0 {
		cfg.Crawl.Seeds = append([]string(nil), args...)
	}
	flags := cmd.Flags()
	var err error
	if flags.Changed("max-pages") {
		if cfg.Crawl.MaxPages, err = flags.GetInt("max-pages"); err != nil {
			return err
		}
	}
	if flags.Changed("max-depth") {
		if cfg.Crawl.MaxDepth, err = flags.GetInt("max-depth"); err != nil {
			return err
		}
	}
	if flags.Changed("same-domain-only") {
		if cfg.Crawl.SameDomainOnly, err = flags.GetBool("same-domain-only"); err != nil {
			return err
		}
	}
	if flags.Changed("delay") {
		delay, err := flags.GetDuration("delay")
		if err != nil {
			return err
		}
		cfg.Crawl.DefaultDelay = config.DurationFrom(delay)
	}
	if flags.Changed("user-agent") {
		if cfg.Crawl.UserAgent, err = flags.GetString("user-agent"); err != nil {
			return err
		}
		cfg.Robots.UserAgent = ""
	}
	if err := applyStorageFlags(cmd, cfg); err != nil {
		return err
	}
	cfg.Normalise()
	return nil
}

// applyStorageFlags overlays --driver, --dsn and --output when the command defines them.
func applyStorageFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error
	if flags.Lookup("driver") != nil && flags.Changed("driver") {
		if cfg.Storage.Driver, err = flags.GetString("driver"); err != nil {
			return err
		}
	}
	if flags.Lookup("dsn") != nil && flags.Changed("dsn") {
		if cfg.Storage.DSN, err = flags.GetString("dsn"); err != nil {
			return err
		}
	}
	if flags.Lookup("output") != nil && flags.Changed("output") {
		if cfg.Storage.Path, err = flags.GetString("output"); err != nil {
			return err
		}
	}
	return nil
}

func writesToStdout(cfg config.StorageConfig) bool {
	return cfg.Driver == "jsonl" && (cfg.Path == "" || cfg.Path == "-")
}
