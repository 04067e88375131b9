package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bnema/pixbatch/config"
	"github.com/bnema/pixbatch/internal/adapter/converter/ffmpeg"
	"github.com/bnema/pixbatch/internal/adapter/converter/remote"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/service"
)

const Version = "0.1.0"

var (
	cfgFile string
	debug   bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:           "pixbatch",
	Short:         "Batch image conversion engine",
	Long:          "pixbatch converts images to webp, avif, png or jpeg in bounded parallel batches, from the command line or over HTTP.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $"+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only print errors")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, err
	}
	switch {
	case debug:
		cfg.Log.Level = "debug"
	case quiet:
		cfg.Log.Level = "error"
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// newCoordinator builds the coordinator for the configured batch mode. Item
// mode needs local ffmpeg; chunk mode sends chunks to the remote codec.
func newCoordinator(cfg *config.Config, local *ffmpeg.Converter) (*service.Coordinator, error) {
	sched := cfg.SchedulerConfig()
	if service.Mode(cfg.Batch.Mode) == service.ModeChunk {
		logger.Info.Printf("chunk mode: %d items per request to %s", cfg.Batch.ChunkSize, cfg.Batch.RemoteURL)
		return service.NewChunkCoordinator(remote.NewClient(cfg.Batch.RemoteURL, sched.TaskTimeout), sched), nil
	}
	if err := local.Available(); err != nil {
		return nil, err
	}
	return service.NewItemCoordinator(local, sched), nil
}
