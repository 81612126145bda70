// Package cli provides the command-line interface for knowhow-ingest.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/app"
	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string
	authToken string

	// Global config and logger
	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "knowhow-ingest",
	Short: "Ingestion and job orchestration for the knowhow knowledge graph",
	Long: `knowhow-ingest accepts episodes and documents, queues them as background
jobs, fans documents out into per-chunk episodes, tracks conversation runs
and re-dispatches work parked while a workspace had no credits.

Run "knowhow-ingest serve" for the HTTP API and "knowhow-ingest worker" for
additional Redis-backed workers. The remaining commands talk to a running
server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogger != nil {
			if err := closeLogger(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// apiClient returns a client for the configured server.
func apiClient() *client.Client {
	endpoint := serverURL
	if endpoint == "" {
		endpoint = cfg.ServerURL
	}
	return client.New(endpoint, authToken)
}

// openApp wires the application for commands that work on the stores
// directly. The caller closes it.
func openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	return a, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $KNOWHOW_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "user token (default $KNOWHOW_TOKEN)")
}
