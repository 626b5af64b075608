package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/VladCristian27/rag-site-auditor/internal/config"
	"github.com/VladCristian27/rag-site-auditor/internal/logging"
)

// NewRootCmd creates the root command for sitecrawler.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "Polite breadth-first website crawler",
		Long: `sitecrawler crawls websites breadth-first from seed URLs.

It honours robots.txt rules and crawl delays, retries transient failures,
extracts title, description, headings, text, images and links from every page,
and upserts one record per URL into sqlite, Postgres or a JSON Lines file.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (YAML)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")

	cmd.AddCommand(NewCrawlCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPageCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the --config file, or the defaults when none is given.
// The result is normalised but not validated so callers can apply flag
// overrides first.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := globalString(cmd, "config")
	if path == "" {
		cfg := config.Default()
		cfg.Normalise()
		return &cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// newLogger builds the command logger on stderr, honouring --log-level and --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	logCfg := cfg.Logging
	if level := globalString(cmd, "log-level"); level != "" {
		logCfg.Level = level
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// globalString reads a root persistent flag whether or not flags were merged into cmd yet.
func globalString(cmd *cobra.Command, name string) string {
	if value, err := cmd.Flags().GetString(name); err == nil {
		return value
	}
	value, _ := cmd.Root().PersistentFlags().GetString(name)
	return value
}
