// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAddr            = ":3000"
	defaultUpstreamURL     = "https://api.cricapi.com"
	defaultUpstreamPath    = "/v1/currentMatches"
	defaultHTTPTimeout     = 10 * time.Second
	defaultRetryInterval   = 500 * time.Millisecond
	defaultBreakerCooldown = 60 * time.Second
	defaultInterval        = 60 * time.Second
	defaultFanoutWorkers   = 8
	defaultWriteTimeout    = 5 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultReadLimit       = 4096
	defaultRefreshToken    = "refresh"
	defaultServiceName     = "api-lab"
)

// APIServerConfig configures the HTTP listener.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// UpstreamConfig configures the third-party match listing endpoint.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	Path          string        `yaml:"path"`
	APIKey        string        `yaml:"apiKey"`
	Offset        int           `yaml:"offset"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	RateLimit     float64       `yaml:"rateLimit"`
	RateBurst     int           `yaml:"rateBurst"`

	// BreakerThreshold opens the upstream circuit after this many consecutive
	// failed fetches; 0 disables it.
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// BroadcastConfig tunes the relay engine, scheduler and websocket sessions.
type BroadcastConfig struct {
	Interval      time.Duration `yaml:"interval"`
	FanoutWorkers int           `yaml:"fanoutWorkers"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	PingInterval  time.Duration `yaml:"pingInterval"`
	ReadLimit     int64         `yaml:"readLimit"`
	RefreshToken  string        `yaml:"refreshToken"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified application configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Broadcast   BroadcastConfig `yaml:"broadcast"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		APIServer:   APIServerConfig{Addr: defaultAddr},
		Upstream: UpstreamConfig{
			BaseURL:          defaultUpstreamURL,
			Path:             defaultUpstreamPath,
			APIKey:           "",
			Offset:           0,
			Timeout:          defaultHTTPTimeout,
			MaxAttempts:      1,
			RetryInterval:    defaultRetryInterval,
			RateLimit:        0,
			RateBurst:        1,
			BreakerThreshold: 0,
			BreakerCooldown:  defaultBreakerCooldown,
		},
		Broadcast: BroadcastConfig{
			Interval:      defaultInterval,
			FanoutWorkers: defaultFanoutWorkers,
			WriteTimeout:  defaultWriteTimeout,
			PingInterval:  defaultPingInterval,
			ReadLimit:     defaultReadLimit,
			RefreshToken:  defaultRefreshToken,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "",
			ServiceName:   defaultServiceName,
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
// Environment variables override file values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return finalise(cfg)
}

// LoadOrDefault loads the file at configPath, falling back to Default when the
// file does not exist. The boolean reports whether the file was used.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finalise(Default())
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func finalise(cfg AppConfig) (AppConfig, error) {
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookupTrimmed(lookup, "APP_ENV"); ok {
		c.Environment = Environment(v)
	}
	if v, ok := lookupTrimmed(lookup, "PORT"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: invalid value %q", v)
		}
		c.APIServer.Addr = ":" + v
	}
	if v, ok := lookupTrimmed(lookup, "CRICAPI_KEY"); ok {
		c.Upstream.APIKey = v
	}
	if v, ok := lookupTrimmed(lookup, "CRICAPI_BASE_URL"); ok {
		c.Upstream.BaseURL = v
	}
	if v, ok := lookupTrimmed(lookup, "RELAY_INTERVAL"); ok {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RELAY_INTERVAL: %w", err)
		}
		c.Broadcast.Interval = dur
	}
	if v, ok := lookupTrimmed(lookup, "OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	return nil
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.Path = strings.TrimSpace(c.Upstream.Path)
	if c.Upstream.Path != "" && !strings.HasPrefix(c.Upstream.Path, "/") {
		c.Upstream.Path = "/" + c.Upstream.Path
	}
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	if c.Upstream.MaxAttempts <= 0 {
		c.Upstream.MaxAttempts = 1
	}
	if c.Upstream.RateBurst <= 0 {
		c.Upstream.RateBurst = 1
	}

	if c.Broadcast.FanoutWorkers <= 0 {
		c.Broadcast.FanoutWorkers = defaultFanoutWorkers
	}
	c.Broadcast.RefreshToken = strings.TrimSpace(c.Broadcast.RefreshToken)
	if c.Broadcast.RefreshToken == "" {
		c.Broadcast.RefreshToken = defaultRefreshToken
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream baseURL required")
	}
	parsed, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upstream baseURL must be an absolute URL")
	}
	if c.Upstream.Offset < 0 {
		return fmt.Errorf("upstream offset must be >= 0")
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream timeout must be >= 0")
	}
	if c.Upstream.RateLimit < 0 {
		return fmt.Errorf("upstream rateLimit must be >= 0")
	}
	if c.Upstream.BreakerThreshold < 0 {
		return fmt.Errorf("upstream breakerThreshold must be >= 0")
	}
	if c.Upstream.BreakerCooldown < 0 {
		return fmt.Errorf("upstream breakerCooldown must be >= 0")
	}

	if c.Broadcast.Interval <= 0 {
		return fmt.Errorf("broadcast interval must be > 0")
	}
	if c.Broadcast.WriteTimeout <= 0 {
		return fmt.Errorf("broadcast writeTimeout must be > 0")
	}
	if c.Broadcast.PingInterval < 0 {
		return fmt.Errorf("broadcast pingInterval must be >= 0")
	}
	if c.Broadcast.ReadLimit <= 0 {
		return fmt.Errorf("broadcast readLimit must be > 0")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
