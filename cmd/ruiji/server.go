package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/server"
	"github.com/hyperjump/ruiji/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP server",
	Long: `Start the HTTP API. With ingest.watch enabled, the directories in
ingest.directories are watched and kept in sync with the index.`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	go components.Index.RunEviction(ctx, cfg.Search.EvictionInterval)
	go components.Chain.RunHealthProbes(ctx, cfg.Embedding.ProbeInterval)

	var watchSvc server.WatchService
	if cfg.Ingest.Watch {
		w := watcher.New(components.Indexer,
			watcher.WithLogger(logger),
			watcher.WithDebounce(cfg.Ingest.Debounce))
		if err := w.Start(ctx, cfg.Ingest.Directories...); err != nil {
			return err
		}
		defer w.Stop()
		for _, dir := range cfg.Ingest.Directories {
			go syncDirectory(ctx, components, dir)
		}
		watchSvc = w
	}

	srv := server.NewServer(components.Engine, components.Indexer, cfg, logger, watchSvc, resolvedPath)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// syncDirectory brings the index in line with dir at startup.
func syncDirectory(ctx context.Context, c *Components, dir string) {
	stats, err := c.Indexer.IndexDirectory(ctx, dir)
	if err != nil && ctx.Err() == nil {
		logger.Warn("initial sync failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	logger.Debug("initial sync done", zap.String("dir", dir), zap.Int("files", stats.Files), zap.Int("removed", stats.Removed))
}
