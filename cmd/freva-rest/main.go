// Command freva-rest runs the climate data discovery and streaming
// REST service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
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

	"freva/internal/auth"
	"freva/internal/cache"
	"freva/internal/config"
	"freva/internal/databrowser"
	"freva/internal/docstore"
	"freva/internal/logging"
	"freva/internal/portal"
	"freva/internal/server"
	"freva/internal/solr"
	"freva/internal/userdata"

	"github.com/spf13/cobra"
)

var version = "dev"

// errInterrupted marks a shutdown triggered by the user, mapped to
// exit code 150 like the rest of the freva tooling.
var errInterrupted = errors.New("interrupted")

func main() {
	logger, level := logging.New(os.Stderr, false)

	var (
		configPath string
		debug      bool
	)
	rootCmd := &cobra.Command{
		Use:           "freva-rest",
		Short:         "REST API for climate data discovery and streaming",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"server config file (overrides API_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	var port int
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				level.Set(slog.LevelDebug)
			}
			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, logger, level, configPath, port)
		},
	}
	serverCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides the config file)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(150)
		}
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, configPath string, port int) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Port = port
	}
	if cfg.Debug {
		level.Set(slog.LevelDebug)
	}
	databrowser.Version = version

	// Pick up log level changes from the config file without restarts.
	if cfg.ConfigFile != "" {
		go func() {
			if err := config.Watch(ctx, cfg.ConfigFile, level, logger); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	solrClient := solr.New(cfg.SolrBaseURL(), logger)

	// The document store records search analytics and keeps the user
	// data registry. Both degrade gracefully when mongo is not set up.
	var recorder databrowser.Recorder
	var metaStore userdata.MetadataStore
	if cfg.MongoHost != "" {
		store, err := docstore.Connect(ctx, cfg.MongoURI(), cfg.MongoDB, logger)
		if err != nil {
			return fmt.Errorf("connect document store: %w", err)
		}
		defer store.Close(context.Background())
		recorder = store
		metaStore = store
	} else {
		logger.Warn("no document store configured, search analytics disabled")
	}

	browser := databrowser.NewFacade(solrClient, cfg.SolrCores(),
		databrowser.FacetHierarchy, recorder, logger)
	ingestor := userdata.New(solrClient, cfg.SolrCores()[1], metaStore, logger)
	gate := auth.NewGate(cfg.OIDCDiscoveryURL, cfg.OIDCClientID, cfg.OIDCClientSecret, logger)

	var dataPortal server.DataPortal
	if cfg.Services["zarr-stream"] {
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
		dataPortal = portal.New(bus, cfg.Proxy, logger)
	}

	srv := server.New(cfg, browser, ingestor, gate, dataPortal, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ServeTCP(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("stopping server")
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	<-serveErr
	return errInterrupted
}
