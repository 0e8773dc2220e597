// Command server runs the records API and the live match relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"

	"github.com/Krishnakrish77/api-lab/internal/app/records"
	"github.com/Krishnakrish77/api-lab/internal/app/relay"
	"github.com/Krishnakrish77/api-lab/internal/infra/config"
	httpserver "github.com/Krishnakrish77/api-lab/internal/infra/server/http"
	"github.com/Krishnakrish77/api-lab/internal/infra/telemetry"
	"github.com/Krishnakrish77/api-lab/internal/infra/upstream"
)

const (
	defaultConfigPath         = "config/app.yaml"
	defaultEnvFile            = ".env"
	serverLoggerPrefix        = "api-lab "
	shutdownTimeout           = 30 * time.Second
	apiServerShutdownTimeout  = 5 * time.Second
	schedulerShutdownTimeout  = 2 * time.Second
	cycleDrainShutdownTimeout = 10 * time.Second
	lifecycleShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	apiReadHeaderTimeout      = 5 * time.Second
)

func main() {
	cfgPathFlag, envFileFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newServerLogger()

	loadedEnv, err := loadEnvFile(envFileFlag)
	if err != nil {
		logger.Fatalf("load env file: %v", err)
	}
	if loadedEnv {
		logger.Printf("environment loaded from %s", envFileFlag)
	}

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, interval=%v, upstream=%s%s",
		appCfg.Environment, appCfg.Broadcast.Interval, appCfg.Upstream.BaseURL, appCfg.Upstream.Path)
	if appCfg.Upstream.APIKey == "" {
		logger.Printf("warning: upstream api key is empty; set CRICAPI_KEY or upstream.apiKey")
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	fetcher, err := upstream.NewClient(upstreamConfig(appCfg.Upstream), logger)
	if err != nil {
		logger.Fatalf("initialise upstream client: %v", err)
	}

	clock := clockwork.NewRealClock()
	registry := relay.NewRegistry()
	engine := relay.NewEngine(relay.EngineConfig{
		FanoutWorkers: appCfg.Broadcast.FanoutWorkers,
		WriteTimeout:  appCfg.Broadcast.WriteTimeout,
	}, fetcher, registry, logger)
	hub := relay.NewHub(registry, engine, appCfg.Broadcast.RefreshToken, logger)

	scheduler := relay.NewScheduler(engine, clock, appCfg.Broadcast.Interval, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatalf("start scheduler: %v", err)
	}

	var lifecycle conc.WaitGroup

	apiServer := buildAPIServer(ctx, appCfg, httpserver.Options{
		Environment:  appCfg.Environment,
		Records:      records.NewStore(),
		Registry:     registry,
		Hub:          hub,
		ReadLimit:    appCfg.Broadcast.ReadLimit,
		PingInterval: appCfg.Broadcast.PingInterval,
		WriteTimeout: appCfg.Broadcast.WriteTimeout,
		Clock:        clock,
		Logger:       logger,
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("server listening on %s", apiServer.Addr)

	logger.Print("server started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		scheduler:  scheduler,
		engine:     engine,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", defaultEnvFile, "Optional dotenv file; variables already set in the environment win")
	flag.Parse()
	return *cfgPath, *envFile
}

// loadEnvFile reports whether path was found and applied. A missing file is not an error.
func loadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return true, nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServerLogger() *log.Logger {
	return log.New(os.Stdout, serverLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Enabled {
		telemetryCfg.Enabled = true
	}
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func upstreamConfig(cfg config.UpstreamConfig) upstream.Config {
	return upstream.Config{
		BaseURL:          cfg.BaseURL,
		Path:             cfg.Path,
		APIKey:           cfg.APIKey,
		Offset:           cfg.Offset,
		Timeout:          cfg.Timeout,
		MaxAttempts:      cfg.MaxAttempts,
		RetryInterval:    cfg.RetryInterval,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}
}

// buildAPIServer derives request contexts from ctx so websocket sessions end
// when the process is asked to stop.
func buildAPIServer(ctx context.Context, appCfg config.AppConfig, opts httpserver.Options) *http.Server {
	return &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(opts),
		ReadHeaderTimeout: apiReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	scheduler  *relay.Scheduler
	engine     *relay.Engine
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.scheduler != nil {
		shutdownStep("stopping scheduler", schedulerShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.scheduler.Stop)
		})
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.engine != nil {
		shutdownStep("draining broadcast cycles", cycleDrainShutdownTimeout, cfg.engine.Close)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitOrTimeout(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
