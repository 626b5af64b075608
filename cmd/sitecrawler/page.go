package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/VladCristian27/rag-site-auditor/internal/storage"
)

// NewPageCmd creates the page command.
func NewPageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "page <url>",
		Short: "Print the stored record for a URL as JSON",
		Long: `Page looks up the record stored for an exact URL and prints it as indented JSON.
Only the sqlite and Postgres drivers can be queried.`,
		Args: cobra.ExactArgs(1),
		RunE: runPageCmd,
	}
	cmd.Flags().String("driver", "", "Storage driver: sqlite, postgres or pgx")
	cmd.Flags().String("dsn", "", "Postgres connection string")
	cmd.Flags().StringP("output", "o", "", "sqlite database path")
	return cmd
}

func runPageCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyStorageFlags(cmd, cfg); err != nil {
		return err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if _, err := newLogger(cmd, cfg); err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	reader, ok := store.(storage.Reader)
	if !ok {
		return fmt.Errorf("storage driver %q cannot be queried", cfg.Storage.Driver)
	}
	record, err := reader.Get(ctx, args[0])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no record stored for %s", args[0])
		}
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}
