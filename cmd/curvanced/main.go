package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"curvance/config"
	"curvance/core"
	"curvance/observability/logging"
	telemetry "curvance/observability/otel"
	"curvance/services/api"
	"curvance/storage"
	"curvance/storage/eventlog"
)

const serviceName = "curvanced"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	feedsFlag := flag.String("feeds", "", "Path to the feed manifest (overrides FeedManifest)")
	flag.Parse()

	if err := run(*configFile, *feedsFlag); err != nil {
		slog.Error("curvanced exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, feedsPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if override := strings.TrimSpace(os.Getenv("CURVANCE_ENV")); override != "" {
		env = override
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:    serviceName,
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:  serviceName,
		Environment:  env,
		ChainID:      cfg.ChainID,
		RemoteChains: cfg.Messaging.RemoteChains,
		Endpoint:     cfg.Telemetry.Endpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Headers:      telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:      cfg.Telemetry.Metrics,
		Traces:       cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if feedsPath == "" {
		feedsPath = cfg.FeedManifest
	}
	manifest, err := config.LoadFeedManifest(feedsPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}

	opts := []core.Option{core.WithLogger(logger)}
	if dsn := strings.TrimSpace(cfg.EventLog.DSN); dsn != "" {
		store, err := eventlog.Open(dsn)
		if err != nil {
			db.Close()
			return err
		}
		store.SetLogger(logger.With("component", "eventlog"))
		defer store.Close()
		opts = append(opts, core.WithEventSink(store))
	}

	node, err := core.NewNode(cfg, manifest, db, opts...)
	if err != nil {
		db.Close()
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err = scheduler.AddFunc(cfg.Epochs.RollSchedule, func() {
		rolled, err := node.RollDueEpochs(ctx)
		if err != nil {
			logger.Error("epoch roll failed", "error", err)
			return
		}
		if rolled > 0 {
			logger.Info("epochs delivered", "count", rolled, "nextEpochToDeliver", node.Locker().NextEpochToDeliver())
		}
	})
	if err != nil {
		return fmt.Errorf("schedule epoch roll: %w", err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	server := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: api.NewServer(node, api.Config{
			ServiceName:        serviceName,
			BearerToken:        cfg.Messaging.Token(os.Getenv),
			RateLimitPerSecond: cfg.API.RateLimitPerSecond,
			RateLimitBurst:     cfg.API.RateLimitBurst,
			Logger:             logger.With("component", "api"),
		}).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "address", listener.Addr().String(), "chain", cfg.ChainID)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	logger.Info("curvanced stopped")
	return nil
}
