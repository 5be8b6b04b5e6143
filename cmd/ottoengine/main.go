// Package main runs the otto rule engine: it connects to the hub, loads the
// rule set and serves the HTTP API and metrics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kidhasmoxy/otto-engine/api"
	"github.com/kidhasmoxy/otto-engine/config"
	"github.com/kidhasmoxy/otto-engine/engine"
	"github.com/kidhasmoxy/otto-engine/hub"
	"github.com/kidhasmoxy/otto-engine/metric"
	"github.com/kidhasmoxy/otto-engine/natsclient"
	"github.com/kidhasmoxy/otto-engine/pkg/retry"
	"github.com/kidhasmoxy/otto-engine/pkg/tlsutil"
	"github.com/kidhasmoxy/otto-engine/rule"
	"github.com/kidhasmoxy/otto-engine/rulestore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ottoengine"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		fmt.Println(cfg.String())
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if err == flag.ErrHelp {
			return nil, nil, true, nil
		}
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting otto engine",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig loads and validates configuration. An empty path uses defaults
// and environment overrides only.
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

// serve runs the engine and the enabled HTTP servers until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var registry *metric.MetricsRegistry
	if cfg.Metrics.Enabled {
		registry = metric.NewMetricsRegistry()
	}

	engineCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}

	opener, closeStore := storeOpener(ctx, cfg.Rules, logger)
	defer closeStore()

	eng, err := engine.New(engineCfg, opener, engine.WithLogger(logger), engine.WithMetrics(registry))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if cfg.API.Enabled {
		apiCfg, err := apiConfig(cfg.API)
		if err != nil {
			return err
		}
		srv, err := api.NewServer(apiCfg, eng.Bridge(), eng.Health, logger)
		if err != nil {
			return fmt.Errorf("create API server: %w", err)
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	if registry != nil {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		g.Go(func() error { return metricsServer.Run(gctx) })
	}

	logger.Info("Otto engine started",
		"hub", cfg.Hub.URL,
		"rules_backend", cfg.Rules.Backend,
		"api_enabled", cfg.API.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled)

	err = g.Wait()
	logger.Info("Otto engine stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// engineConfig maps the loaded configuration onto engine.Config.
func engineConfig(cfg *config.Config) (engine.Config, error) {
	hubCfg := hub.Config{
		URL:               cfg.Hub.URL,
		AccessToken:       cfg.Hub.AccessToken,
		HandshakeTimeout:  cfg.Hub.HandshakeTimeout,
		CommandsPerSecond: cfg.Hub.MaxCommandsPerSecond,
		CommandBurst:      cfg.Hub.CommandBurst,
	}
	if strings.HasPrefix(cfg.Hub.URL, "wss://") {
		tlsCfg, err := tlsutil.LoadClientTLSConfig(cfg.Hub.TLS)
		if err != nil {
			return engine.Config{}, fmt.Errorf("hub TLS: %w", err)
		}
		hubCfg.TLS = tlsCfg
	}

	return engine.Config{
		Hub:                  hubCfg,
		SubscribeEvents:      cfg.Hub.SubscribeEvents,
		BridgeTimeout:        cfg.Engine.BridgeTimeout,
		ConnectRetryInterval: cfg.Engine.ConnectRetryInterval,
		SetupDelay:           cfg.Engine.SetupDelay,
		PollInterval:         cfg.Engine.PollInterval,
		PingInterval:         cfg.Engine.PingInterval,
		WatchRules:           cfg.Rules.Watch,
		TaskBuffer:           cfg.Engine.TaskBuffer,
	}, nil
}

func apiConfig(cfg config.APIConfig) (api.Config, error) {
	tlsCfg, err := tlsutil.LoadServerTLSConfig(cfg.TLS)
	if err != nil {
		return api.Config{}, fmt.Errorf("API TLS: %w", err)
	}
	return api.Config{
		Port:           cfg.Port,
		EnableCORS:     cfg.EnableCORS,
		CORSOrigins:    cfg.CORSOrigins,
		MaxRequestSize: cfg.MaxRequestSize,
		TLS:            tlsCfg,
	}, nil
}

// storeOpener returns the rule store constructor for the configured backend
// and a function releasing what it opened.
func storeOpener(ctx context.Context, cfg config.RulesConfig, logger *slog.Logger) (engine.StoreOpener, func()) {
	opts := rulestore.Options{SkipInvalid: cfg.SkipInvalid, Logger: logger}

	if cfg.Backend != config.BackendNATSKV {
		return func(f *rule.Factory) (rulestore.Store, error) {
			return rulestore.NewFileStore(cfg.Dir, f, opts)
		}, func() {}
	}

	var client *natsclient.Client
	opener := func(f *rule.Factory) (rulestore.Store, error) {
		c, err := natsclient.NewClient(cfg.NATSURL,
			natsclient.WithName(appName),
			natsclient.WithLogger(logger),
			natsclient.WithMaxReconnects(-1),
			natsclient.WithConnectRetry(retry.DefaultConfig()))
		if err != nil {
			return nil, err
		}
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := c.Connect(connectCtx); err != nil {
			return nil, err
		}
		client = c
		return rulestore.NewKVStore(ctx, c, cfg.Bucket, f, opts)
	}
	closeFn := func() {
		if client != nil {
			if err := client.Close(); err != nil {
				logger.Warn("Closing NATS connection failed", "error", err)
			}
		}
	}
	return opener, closeFn
}
