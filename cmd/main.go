// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mqtt-service/archive"
	"github.com/absmach/mqtt-service/bridge"
	"github.com/absmach/mqtt-service/config"
	"github.com/absmach/mqtt-service/internal/wiring"
	"github.com/absmach/mqtt-service/server/health"
	"github.com/absmach/mqtt-service/server/http"
	"github.com/absmach/mqtt-service/server/otel"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/urfave/cli/v3"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

type options struct {
	configDir string
	logLevel  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := &options{}
	app := &cli.Command{
		Name:    "mqtt-service",
		Usage:   "Bridge an MQTT broker and the message archive",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config-dir",
				Usage:       "directory holding " + config.FileName,
				Sources:     cli.EnvVars("MQTT_SERVICE_CONFIG_DIR"),
				Value:       "config",
				Destination: &opts.configDir,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "override [log] level (debug, info, warn, error)",
				Sources:     cli.EnvVars("MQTT_SERVICE_LOG_LEVEL"),
				Destination: &opts.logLevel,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, opts)
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mqtt-service: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts.configDir)
	if err != nil {
		return err
	}
	if err := applyOverrides(cfg, opts); err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	routePahoLogs(logger)

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to resolve host name: %w", err)
	}
	clientID := cfg.ClientID(hostname)

	slog.Info("Starting MQTT service", "version", version)
	slog.Info("Configuration loaded",
		"broker", cfg.BrokerURL(),
		"client_id", clientID,
		"archive_root", cfg.Archive.APIRoot,
		"archive_type", cfg.Archive.ResourceType,
		"http_addr", cfg.HTTP.Addr,
		"health_enabled", cfg.Health.Enabled,
		"otel_enabled", cfg.Otel.Enabled,
		"log_level", cfg.Log.Level)

	tel, err := otel.Setup(ctx, cfg.Otel, otel.Identity{
		ClientID:    clientID,
		BrokerURL:   cfg.BrokerURL(),
		ArchiveRoot: cfg.Archive.APIRoot,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("OpenTelemetry shutdown failed", "error", err)
		}
	}()
	if cfg.Otel.Enabled {
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)
	}
	metrics, tracer := tel.Metrics, tel.Tracer

	archiveClient, err := archive.New(archive.Config{
		APIRoot:            cfg.Archive.APIRoot,
		ResourceType:       cfg.Archive.ResourceType,
		Timeout:            cfg.Archive.Timeout,
		InsecureSkipVerify: cfg.Archive.InsecureSkipVerify,
		FailureThreshold:   cfg.Archive.BreakerFailureThreshold,
		ResetTimeout:       cfg.Archive.BreakerResetTimeout,
	}, logger.With("component", "archive"), metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to create archive client: %w", err)
	}
	slog.Info("Archive client ready",
		"endpoint", archiveClient.Endpoint(),
		"breaker_threshold", cfg.Archive.BreakerFailureThreshold)

	dispatcher := wiring.NewDispatcher(archiveClient, wiring.DispatcherConfig{
		LifecycleEvents: cfg.Archive.LifecycleEvents,
	}, logger.With("component", "dispatcher"), metrics)

	session := bridge.New(bridge.Config{
		BrokerURL:       cfg.BrokerURL(),
		ClientID:        clientID,
		SubscribeFilter: cfg.MQTT.SubscribeFilter,
		QoS:             byte(cfg.MQTT.QoS),
		ConnectTimeout:  cfg.MQTT.ConnectTimeout,
		KeepAlive:       cfg.MQTT.KeepAlive,
		Workers:         cfg.MQTT.Workers,
		QueueSize:       cfg.MQTT.QueueSize,
	}, dispatcher, logger.With("component", "bridge"), metrics)
	if err := session.Start(); err != nil {
		return fmt.Errorf("failed to start broker session: %w", err)
	}
	defer session.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Health.Enabled {
		hs := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		}, session, logger.With("component", "health"))
		go func() {
			if err := hs.Listen(ctx); err != nil {
				slog.Error("Health check server failed", "error", err)
			}
		}()
	}

	ingress := http.New(http.Config{
		Address:         cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
	}, session, logger.With("component", "ingress"), metrics, tracer)

	if err := ingress.Listen(ctx); err != nil {
		return fmt.Errorf("http listener failed: %w", err)
	}

	slog.Info("Shutting down")
	return nil
}

// loadConfig reads the configuration, writing a template and failing when
// the broker address has not been set yet.
func loadConfig(dir string) (*config.Config, error) {
	if err := config.EnsureDir(dir); err != nil {
		return nil, err
	}

	path := config.Path(dir)
	cfg, err := config.Load(path)
	if errors.Is(err, config.ErrBrokerMissing) {
		if werr := config.WriteTemplate(path); werr != nil {
			return nil, errors.Join(err, werr)
		}
		return nil, fmt.Errorf("%w: set [mqtt] broker-ip in %s and restart", err, path)
	}
	return cfg, err
}

// applyOverrides layers command line settings over the file and checks them
// the same way the file is checked.
func applyOverrides(cfg *config.Config, opts *options) error {
	if opts.logLevel == "" {
		return nil
	}
	cfg.Log.Level = opts.logLevel
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", opts.logLevel, err)
	}
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// routePahoLogs sends the paho client's package loggers through slog.
func routePahoLogs(logger *slog.Logger) {
	h := logger.With("component", "paho").Handler()
	mqtt.CRITICAL = slog.NewLogLogger(h, slog.LevelError)
	mqtt.ERROR = slog.NewLogLogger(h, slog.LevelError)
	mqtt.WARN = slog.NewLogLogger(h, slog.LevelWarn)
}
