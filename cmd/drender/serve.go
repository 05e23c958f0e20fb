package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/drender/internal/broker"
	"github.com/jackzampolin/drender/internal/cloud"
	"github.com/jackzampolin/drender/internal/config"
	"github.com/jackzampolin/drender/internal/driver"
	"github.com/jackzampolin/drender/internal/heartbeat"
	"github.com/jackzampolin/drender/internal/home"
	"github.com/jackzampolin/drender/internal/metrics"
	"github.com/jackzampolin/drender/internal/server"
	"github.com/jackzampolin/drender/internal/state"
	"github.com/jackzampolin/drender/internal/types"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the drender control plane",
	Long: `Start the drender control plane HTTP server.

The server accepts project requests, provisions render workers, and
drives frame ranges to completion. Shutting it down (Ctrl+C or SIGTERM)
stops the frame feed, heartbeat monitors, and completion sweepers.

The server provides:
  - /health  - Basic server health check
  - /ready   - Readiness check
  - /metrics - Prometheus metrics

Examples:
  drender serve                  # Start on default port 8080
  drender serve --port 3000      # Start on custom port
  drender serve --host 0.0.0.0   # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: GetLogLevel(),
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// Load configuration
		// Priority: --config flag > ./config.yaml > ~/.drender/config.yaml
		configFile := cfgFile
		if configFile == "" {
			if _, err := os.Stat("config.yaml"); err == nil {
				configFile = "config.yaml"
			} else {
				configFile = filepath.Join(h.Path(), "config.yaml")
			}
		}

		// Write default config if it doesn't exist
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			logger.Info("creating default config", "path", configFile)
			if err := config.WriteDefault(configFile); err != nil {
				logger.Warn("failed to write default config", "error", err)
			}
		}
		cfgMgr, err := config.NewManager(configFile)
		if err != nil {
			return err
		}
		cfgMgr.WatchConfig()
		logger.Info("configuration loaded", "file", configFile)
		cfg := cfgMgr.Get()

		// Health probe shared by the machine provider and the monitor
		probe := cloud.NewHTTPProbe(cloud.HTTPProbeConfig{
			Port:    cfg.Machines.WorkerPort,
			Timeout: time.Duration(cfg.Driver.ProbeTimeoutSeconds) * time.Second,
		})

		// Providers
		machines, err := cloud.NewDockerMachineProvider(cloud.DockerConfig{Probe: probe})
		if err != nil {
			return err
		}
		defer machines.Close()

		storageCfg := cfg.ResolvedStorage()
		storage, err := cloud.NewS3StorageProvider(cloud.S3Config{
			Endpoint:  storageCfg.Endpoint,
			AccessKey: storageCfg.AccessKey,
			SecretKey: storageCfg.SecretKey,
			UseSSL:    storageCfg.UseSSL,
			Region:    storageCfg.Region,
		})
		if err != nil {
			return err
		}

		resources, err := cloud.NewManager(cloud.ManagerConfig{
			Machines: machines,
			Storage:  storage,
			Probe:    probe,
			Logger:   logger,
			PoolSize: cfg.Driver.PoolSize,
		})
		if err != nil {
			return err
		}

		store := state.New(logger)
		collector := metrics.NewCollector()

		monitor := heartbeat.NewMonitor(heartbeat.Config{
			Probe:        probe,
			Interval:     time.Duration(cfg.Driver.HeartbeatIntervalSeconds) * time.Second,
			ProbeTimeout: time.Duration(cfg.Driver.ProbeTimeoutSeconds) * time.Second,
			Logger:       logger,
		})

		brokerCfg := cfg.ResolvedBroker()
		openFeed := func(ctx context.Context, q types.MessageQ, handler broker.FrameHandler) (driver.Feed, error) {
			client, err := broker.Open(ctx, broker.Config{
				Host:     q.Host,
				Port:     brokerCfg.Port,
				User:     brokerCfg.User,
				Password: brokerCfg.Password,
				Logger:   logger,
			}, handler)
			if err != nil {
				return nil, err
			}
			return client, nil
		}

		d, err := driver.New(driver.Config{
			Store:         store,
			Resources:     resources,
			Watcher:       monitor,
			OpenFeed:      openFeed,
			Metrics:       collector,
			Logger:        logger,
			Images:        cfg.Machines.Images,
			DefaultImage:  cfg.Machines.DefaultImage,
			SweepInterval: time.Duration(cfg.Driver.SweepIntervalSeconds) * time.Second,
		})
		if err != nil {
			return err
		}

		srv, err := server.New(server.Config{
			Host:    serveHost,
			Port:    servePort,
			Driver:  d,
			Store:   store,
			Metrics: collector,
			Logger:  logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
