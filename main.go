package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fraudsentinel/config"
	"fraudsentinel/db"
	fhttp "fraudsentinel/http"
	"fraudsentinel/inference"
	"fraudsentinel/logging"
	"fraudsentinel/ml"
	"fraudsentinel/monitoring"
)

func main() {
	cmd := &cli.Command{
		Name:  "fraudsentinel",
		Usage: "serve credit card fraud predictions with per-feature explanations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				Usage:   "path to the YAML config",
				Sources: cli.EnvVars("FRAUDSENTINEL_CONFIG"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP listen port",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:  "artifacts-dir",
				Usage: "directory holding model.json and scaler.json",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "load the artifact pair and print its summary",
				Action: check,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.IsSet("config"))
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet("port") {
		cfg.HTTP.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("artifacts-dir") {
		cfg.Artifacts.Dir = cmd.String("artifacts-dir")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	return cfg, cfg.Validate()
}

// loadArtifacts logs which artifact failed before handing the error back.
func loadArtifacts(cfg config.Config, logger *zap.Logger) (*ml.Artifacts, error) {
	artifacts, err := ml.LoadArtifacts(cfg.ArtifactPaths())
	if err != nil {
		var loadErr *ml.ArtifactLoadError
		if errors.As(err, &loadErr) {
			logger.Error("artifact load failed",
				zap.String("artifact", loadErr.Artifact),
				zap.String("path", loadErr.Path),
				zap.Error(loadErr.Err),
			)
		}
		return nil, err
	}
	logger.Info("artifacts loaded",
		zap.String("model_format", artifacts.Info.ModelFormat),
		zap.Int("trees", artifacts.Info.Trees),
		zap.Int("max_depth", artifacts.Info.MaxDepth),
		zap.String("fingerprint", artifacts.Info.Fingerprint),
	)
	return artifacts, nil
}

func check(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	_, err = loadArtifacts(cfg, logger)
	return err
}

func serve(ctx context.Context, cmd *cli.Command) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	// refuse to serve without a usable artifact pair
	artifacts, err := loadArtifacts(cfg, logger)
	if err != nil {
		return err
	}

	service, err := inference.NewService(artifacts, inference.Options{
		Threshold: cfg.Inference.Threshold,
		CacheSize: cfg.Inference.CacheSizeOrDefault(),
	}, logger.Named("inference"))
	if err != nil {
		return err
	}

	metrics := monitoring.NewMetricsCollector()
	feed := monitoring.NewPredictionFeed(monitoring.FeedConfig{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Heartbeat:      cfg.Metrics.FeedHeartbeat,
	}, metrics, logger.Named("feed"))

	deps := fhttp.Dependencies{
		Predictor: service,
		Metrics:   metrics,
		Stats:     monitoring.NewPredictionTracker(cfg.Metrics.StatsWindow),
		Feed:      feed,
		Logger:    logger.Named("http"),
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()
	runners := []func(context.Context) error{
		func(ctx context.Context) error { return metrics.Run(ctx, cfg.Metrics.SampleInterval) },
		feed.Run,
	}

	if cfg.Audit.Enabled {
		database, err := db.Open(cfg.Audit.DBPath)
		if err != nil {
			return err
		}
		closers = append(closers, database.Close)
		audit, err := db.NewAuditLog(database, cfg.Audit.QueueSize, logger.Named("audit"))
		if err != nil {
			return err
		}
		closers = append(closers, audit.Close)
		deps.Audit = audit
		runners = append(runners, audit.Run)
		logger.Info("prediction audit enabled", zap.String("db", cfg.Audit.DBPath))
	}

	if cfg.Alerts.Enabled {
		alerts, err := monitoring.NewAlertSystem(cfg.Alerts, metrics, logger.Named("alerts"))
		if err != nil {
			return err
		}
		deps.Alerts = alerts
		runners = append(runners, alerts.Run)
		logger.Info("fraud alerts enabled", zap.Int("channels", len(cfg.Alerts.Channels)))
	}

	if cfg.Artifacts.Watch {
		paths := cfg.ArtifactPaths()
		watcher, err := monitoring.NewArtifactWatcher(cfg.Artifacts.Dir,
			[]string{paths.ModelPath, paths.ScalerPath}, metrics, logger.Named("watcher"))
		if err != nil {
			logger.Warn("artifact watcher disabled", zap.Error(err))
		} else {
			runners = append(runners, watcher.Run)
		}
	}

	server, err := fhttp.NewServer(fhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		StaticDir:      cfg.HTTP.StaticDir,
	}, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// background services stop only after the HTTP server so queued audit rows are flushed
	bgCtx, cancelBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBackground()
	background, bgCtx := errgroup.WithContext(bgCtx)
	for _, run := range runners {
		background.Go(func() error { return run(bgCtx) })
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		err = multierr.Append(server.Stop(), <-serverErr)
	case err = <-serverErr:
	case <-bgCtx.Done():
		// a background service failed
		err = multierr.Append(server.Stop(), <-serverErr)
	}

	cancelBackground()
	err = multierr.Append(err, background.Wait())
	if err == nil {
		logger.Info("exiting")
	}
	return err
}
