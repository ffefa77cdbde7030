// Command data-loader runs the data portal worker. It consumes load
// and chunk jobs published by the REST API and serves dataset bytes
// through the shared cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freva/internal/cache"
	"freva/internal/config"
	"freva/internal/logging"
	"freva/internal/worker"

	"github.com/spf13/cobra"
)

var version = "dev"

var errInterrupted = errors.New("interrupted")

func main() {
	logger, level := logging.New(os.Stderr, false)

	var (
		configPath string
		debug      bool
	)
	rootCmd := &cobra.Command{
		Use:           "data-loader",
		Short:         "Worker that converts datasets into streamable zarr stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				level.Set(slog.LevelDebug)
			}
			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, logger, level, configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"server config file (overrides API_CONFIG)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(150)
		}
		logger.Error("data loader failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, configPath string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	if cfg.Debug {
		level.Set(slog.LevelDebug)
	}

	tlsCfg, err := cfg.RedisTLS()
	if err != nil {
		return err
	}
	bus, err := cache.Connect(cache.Options{
		URL:      cfg.RedisURL(),
		Username: cfg.RedisUser,
		Password: cfg.RedisPassword,
		TLS:      tlsCfg,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer bus.Close()

	w := worker.New(bus, cfg.Proxy, time.Duration(cfg.CacheExp)*time.Second, logger)
	if err := w.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return errInterrupted
		}
		return err
	}
	return nil
}
