package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/api"
	"github.com/raphaelgruber/knowhow-ingest/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and job workers",
	Long: `Run the HTTP API together with the job workers.

With KNOWHOW_QUEUE_BACKEND=local jobs run in this process only and are lost
on restart. With KNOWHOW_QUEUE_BACKEND=redis further workers can be started
with "knowhow-ingest worker".`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job workers without the HTTP API",
	Long: `Run job workers consuming the Redis queue. Requires
KNOWHOW_QUEUE_BACKEND=redis.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := openApp(initCtx)
	cancel()
	if err != nil {
		return err
	}
	defer closeApp(a)

	srv, err := api.New(a)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting knowhow-ingest server",
			"addr", cfg.HTTPAddr,
			"queue", cfg.QueueBackend,
			"store", cfg.StoreBackend,
			"version", Version,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	if cfg.QueueBackend != config.QueueRedis {
		return fmt.Errorf("worker requires KNOWHOW_QUEUE_BACKEND=%s (got %q)", config.QueueRedis, cfg.QueueBackend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := openApp(initCtx)
	cancel()
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	logger.Info("worker started", "prefix", cfg.RedisPrefix, "version", Version)

	<-ctx.Done()
	logger.Info("worker stopping")
	return nil
}

// closeApp drains the queue backend within a bounded time.
func closeApp(a interface{ Close(context.Context) error }) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		logger.Error("failed to close app", "error", err)
	}
}
