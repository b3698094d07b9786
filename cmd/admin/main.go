package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/actor-graph/backend/internal/storage/sqlite"
	"github.com/actor-graph/backend/pkg/config"
	appLogger "github.com/actor-graph/backend/pkg/logger"
)

var (
	configPath string
	scopeID    string
	timeout    time.Duration

	cfg   *config.Config
	store *sqlite.Client

	rootCmd = &cobra.Command{
		Use:   "actorgraph-admin",
		Short: "Maintenance commands for the actor graph store",
		Long: `actorgraph-admin runs maintenance against the same SQLite store the API server
uses: queue inspection and retries, duplicate merging and graph inspection.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if store != nil {
				store.Close()
			}
			appLogger.Sync()
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "deadline for the command")

	rootCmd.AddCommand(queueCmd, dedupCmd, graphCmd, scopesCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	err = appLogger.Init(appLogger.Options{
		Level:      cfg.Logging.Level,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err = sqlite.NewClient(cfg.SQLite.Path, cfg.SQLite.BusyTimeoutMs)
	if err != nil {
		return err
	}
	return store.InitSchema()
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireScope(cmd *cobra.Command) error {
	if scopeID == "" {
		return fmt.Errorf("--scope is required")
	}
	return nil
}
