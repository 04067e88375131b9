package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/pixbatch/config"
	"github.com/bnema/pixbatch/internal/adapter/converter/ffmpeg"
	HTTPAdapter "github.com/bnema/pixbatch/internal/adapter/http"
	"github.com/bnema/pixbatch/internal/adapter/storage/jsonfile"
	sqlitestore "github.com/bnema/pixbatch/internal/adapter/storage/sqlite"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/port"
	"github.com/bnema/pixbatch/internal/service"
)

const cleanupInterval = time.Hour

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides server.port)")
}

// openStore returns the configured artifact store and a function closing it.
func openStore(cfg *config.Config) (port.ArtifactStore, func(), error) {
	if cfg.Storage.Driver == "jsonfile" {
		store, err := jsonfile.NewStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	store, err := sqlitestore.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger.Info.Printf("starting pixbatch %s on port %d, mode=%s, storage=%s", Version, cfg.Server.Port, cfg.Batch.Mode, cfg.Storage.Driver)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	artifactDir := filepath.Join(cfg.Storage.DataDir, "artifacts")

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	tmpDir := filepath.Join(cfg.Storage.DataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	local := ffmpeg.NewConverter(tmpDir)
	coord, err := newCoordinator(cfg, local)
	if err != nil {
		return err
	}

	svcOpts := []service.Option{service.WithChunkSize(cfg.Batch.ChunkSize)}
	serverCfg := HTTPAdapter.Config{
		Defaults:         cfg.ConversionOptions(),
		MaxUploadBytes:   cfg.MaxUploadBytes(),
		BehindProxy:      cfg.Server.BehindProxy,
		CodecConcurrency: cfg.Scheduler.Concurrency,
	}
	// With ffmpeg at hand this instance also serves as a batch codec.
	if err := local.Available(); err == nil {
		svcOpts = append(svcOpts, service.WithProber(local))
		serverCfg.Codec = local
	} else {
		logger.Warn.Printf("local conversion disabled: %v", err)
	}

	eventBus := service.NewEventBus()
	batchSvc := service.NewBatchService(coord, store, eventBus, artifactDir, svcOpts...)
	server := HTTPAdapter.NewServer(batchSvc, eventBus, serverCfg)
	defer server.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodically drop finished batches past retention
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				batchSvc.Forget(cfg.Retention())
			case <-ctx.Done():
				return
			}
		}
	}()

	// Event streams only end when their request context does.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       5 * time.Minute,
		// No WriteTimeout: event streams stay open.
		IdleTimeout: 120 * time.Second,
	}
	httpServer.RegisterOnShutdown(cancelBase)

	errCh := make(chan error, 1)
	go func() {
		logger.Info.Printf("server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn.Printf("http shutdown: %v", err)
		_ = httpServer.Close()
	}
	if err := batchSvc.Shutdown(shutdownCtx); err != nil {
		logger.Error.Printf("batch shutdown: %v", err)
	}

	logger.Info.Printf("shutdown complete")
	return nil
}
