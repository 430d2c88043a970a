// Package main implements the memhook daemon. It polls emulator memory over
// the RetroArch network command interface, decodes it with a mapper and
// pushes changes to the configured notification sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/memhook/config"
	"github.com/c360/memhook/driver/udp"
	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/health"
	"github.com/c360/memhook/instance"
	"github.com/c360/memhook/mapper"
	"github.com/c360/memhook/metric"
	"github.com/c360/memhook/natsclient"
	"github.com/c360/memhook/notify"
	"github.com/c360/memhook/pkg/retry"
	"github.com/c360/memhook/pkg/tlsutil"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "memhook"
)

// mapperLoadRetry keeps retrying a bootstrap that found no emulator, since
// RetroArch may be started after memhook
var mapperLoadRetry = retry.Config{
	MaxAttempts:  math.MaxInt32,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
	AddJitter:    true,
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		logger.Debug("Effective configuration", "config", cfg.String())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger}
	defer a.shutdown(cliCfg.ShutdownTimeout)

	if err := a.setup(ctx); err != nil {
		return err
	}
	return a.run(ctx)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ExitOnError)
	cliCfg, err := parseFlags(fs, os.Args[1:])
	if err != nil {
		return nil, nil, false, fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting memhook",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig layers the optional file over the defaults and validates the result
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app owns every long-lived component of the process
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *metric.MetricsRegistry
	monitor    *health.Monitor
	nats       *natsclient.Client
	websocket  *notify.WebSocketNotifier
	dispatcher *notify.Dispatcher
	driver     *udp.Driver
	instance   *instance.Instance
	server     *metric.Server
}

func (a *app) setup(ctx context.Context) error {
	a.registry = metric.NewMetricsRegistry()
	a.monitor = health.NewMonitor()

	sinks := []notify.ClientNotifier{notify.NewLogNotifier(a.logger)}

	if a.cfg.NATS.Enabled {
		nc, err := a.connectNATS(ctx)
		if err != nil {
			return err
		}
		a.nats = nc
		sinks = append(sinks, notify.NewNATSNotifier(nc, a.cfg.NATS.SubjectPrefix))
	}

	if a.cfg.WebSocket.Enabled {
		ws, err := notify.NewWebSocketNotifier(notify.WebSocketConfig{
			ClientBuffer:    a.cfg.WebSocket.ClientBuffer,
			PingInterval:    a.cfg.WebSocket.PingInterval,
			AllowedOrigins:  a.cfg.WebSocket.AllowedOrigins,
			MetricsRegistry: a.registry,
			Logger:          a.logger,
		})
		if err != nil {
			return fmt.Errorf("create websocket sink: %w", err)
		}
		a.websocket = ws
		sinks = append(sinks, ws)
	}

	a.dispatcher = notify.NewDispatcher(notify.DispatcherDeps{
		Sinks:           sinks,
		MetricsRegistry: a.registry,
		Logger:          a.logger,
	})
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	drv, err := udp.New(udp.Deps{
		Config:          a.cfg.Driver,
		MetricsRegistry: a.registry,
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}
	a.driver = drv
	if err := drv.Start(ctx); err != nil {
		return fmt.Errorf("start driver: %w", err)
	}

	loader := mapper.NewFileLoader(a.cfg.Instance.MapperDir, a.logger)
	if ids, err := loader.List(); err == nil {
		a.logger.Info("Mappers available", "dir", a.cfg.Instance.MapperDir, "count", len(ids))
	} else {
		a.logger.Warn("Cannot list mappers", "dir", a.cfg.Instance.MapperDir, "error", err)
	}

	a.instance, err = instance.New(instance.Deps{
		Config:          a.cfg.Instance.Config,
		Loader:          loader,
		Notifier:        a.dispatcher,
		MetricsRegistry: a.registry,
		Health:          a.monitor,
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}

	if a.cfg.Metrics.Enabled {
		if err := a.startServer(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) connectNATS(ctx context.Context) (*natsclient.Client, error) {
	nc := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(nc.Name),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				a.monitor.UpdateHealthy(health.ComponentNotifier, "NATS connected")
			} else {
				a.monitor.UpdateUnhealthy(health.ComponentNotifier, "NATS disconnected")
			}
		}),
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS {
		tlsCfg, err := tlsutil.LoadClientTLSConfig(a.cfg.Security.TLS.Client)
		if err != nil {
			return nil, fmt.Errorf("nats tls: %w", err)
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsCfg))
	}

	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "urls", nc.URLs)
	err = retry.Do(ctx, retry.Connect(), func() error {
		if err := client.Connect(ctx); err != nil {
			if errors.IsFatal(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

func (a *app) startServer() error {
	m := a.cfg.Metrics
	a.server = metric.NewServer(m.Port, m.Path, a.registry, a.instance.HealthCheck)

	if a.websocket != nil {
		a.server.Handle(a.cfg.WebSocket.Path, a.websocket)
	}

	tlsCfg, err := tlsutil.LoadServerTLSConfig(a.cfg.Security.TLS.Server)
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	a.server.SetTLSConfig(tlsCfg)

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	a.logger.Info("Metrics server started", "address", a.server.Address(), "websocket", a.websocket != nil)
	return nil
}

// run loads the configured mapper and blocks until ctx is cancelled
func (a *app) run(ctx context.Context) error {
	id := a.cfg.Instance.MapperID
	attempt := 0

	err := retry.Do(ctx, mapperLoadRetry, func() error {
		attempt++
		err := a.instance.Load(ctx, a.driver, id)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		a.logger.Warn("Mapper load failed, retrying", "mapper", id, "attempt", attempt, "error", err)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			a.logger.Info("Shutdown requested before the mapper loaded")
			return nil
		}
		return fmt.Errorf("load mapper %s: %w", id, err)
	}

	a.logger.Info("memhook started", "mapper", id, "blocks", len(a.instance.Blocks()))

	<-ctx.Done()
	a.logger.Info("Received shutdown signal")
	return nil
}

// shutdown stops components in reverse dependency order
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.instance != nil {
		a.instance.Unload(ctx)
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Stop(timeout); err != nil {
			a.logger.Warn("Dispatcher stop failed", "error", err)
		}
	}
	if a.websocket != nil {
		_ = a.websocket.Close()
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
	}
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	if a.driver != nil {
		_ = a.driver.Close()
	}
	a.logger.Info("memhook shutdown complete")
}
