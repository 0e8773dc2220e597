package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/Krishnakrish77/api-lab/internal/app/relay"
	"github.com/Krishnakrish77/api-lab/internal/domain/schema"
	"github.com/Krishnakrish77/api-lab/internal/infra/config"
	httpserver "github.com/Krishnakrish77/api-lab/internal/infra/server/http"
)

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/api-lab.yaml", resolveConfigPath("/etc/api-lab.yaml"))
}

func TestLoadEnvFileMissingIsIgnored(t *testing.T) {
	loaded, err := loadEnvFile(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	require.False(t, loaded)

	loaded, err = loadEnvFile("")
	require.NoError(t, err)
	require.False(t, loaded)
}

func TestLoadEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("API_LAB_TEST_KEY=from-file\nAPI_LAB_TEST_OTHER=file-only\n"), 0o600))
	t.Setenv("API_LAB_TEST_KEY", "from-env")
	t.Setenv("API_LAB_TEST_OTHER", "")
	require.NoError(t, os.Unsetenv("API_LAB_TEST_OTHER"))

	loaded, err := loadEnvFile(path)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, "from-env", os.Getenv("API_LAB_TEST_KEY"))
	require.Equal(t, "file-only", os.Getenv("API_LAB_TEST_OTHER"))
}

func TestUpstreamConfigCopiesFields(t *testing.T) {
	cfg := config.Default().Upstream
	cfg.APIKey = "key"
	cfg.Offset = 10
	cfg.MaxAttempts = 3
	cfg.RateLimit = 2
	cfg.BreakerThreshold = 4

	got := upstreamConfig(cfg)
	require.Equal(t, cfg.BaseURL, got.BaseURL)
	require.Equal(t, cfg.Path, got.Path)
	require.Equal(t, "key", got.APIKey)
	require.Equal(t, 10, got.Offset)
	require.Equal(t, 3, got.MaxAttempts)
	require.Equal(t, cfg.RetryInterval, got.RetryInterval)
	require.InDelta(t, 2.0, got.RateLimit, 0)
	require.Equal(t, 4, got.BreakerThreshold)
	require.Equal(t, cfg.BreakerCooldown, got.BreakerCooldown)
}

func TestWaitOrTimeout(t *testing.T) {
	require.NoError(t, waitOrTimeout(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	err := waitOrTimeout(ctx, func() { <-block })
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

type staticFetcher struct{}

func (staticFetcher) FetchSnapshot(context.Context) (schema.FetchResult, error) {
	return schema.Success(nil), nil
}

func TestPerformGracefulShutdownStopsEverything(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := log.New(buf, "", 0)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	registry := relay.NewRegistry()
	engine := relay.NewEngine(relay.EngineConfig{}, staticFetcher{}, registry, log.New(io.Discard, "", 0))
	scheduler := relay.NewScheduler(engine, clockwork.NewFakeClock(), time.Minute, logger)
	require.NoError(t, scheduler.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	server := buildAPIServer(ctx, config.Default(), httpserver.Options{Registry: registry, Logger: logger})
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Printf("serve: %v", err)
		}
	})

	performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		server:     server,
		scheduler:  scheduler,
		engine:     engine,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
	})

	out := buf.String()
	require.Contains(t, out, "shutdown: stopping scheduler completed")
	require.Contains(t, out, "shutdown: stopping api server completed")
	require.Contains(t, out, "shutdown: draining broadcast cycles completed")
	require.Contains(t, out, "shutdown: waiting for lifecycle goroutines completed")
	require.False(t, engine.Trigger(relay.TriggerTimer))
	require.Error(t, ctx.Err())
}
