// Package upstream fetches the current match listing from the third-party
// cricket data API and normalises it into a schema.FetchResult.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Krishnakrish77/api-lab/errs"
	"github.com/Krishnakrish77/api-lab/internal/domain/schema"
)

const (
	defaultBaseURL       = "https://api.cricapi.com"
	defaultPath          = "/v1/currentMatches"
	defaultTimeout       = 10 * time.Second
	defaultRetryInterval = 500 * time.Millisecond
	defaultBreakerDelay  = 60 * time.Second
	maxBodyBytes         = 8 << 20
	rawExcerptBytes      = 256
	source               = "upstream"
)

// Config provides optional overrides.
type Config struct {
	BaseURL       string
	Path          string
	APIKey        string
	Offset        int
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	RateLimit     float64
	RateBurst     int
	// BreakerThreshold opens the circuit after this many consecutive failed
	// fetches. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
}

// Client talks to the match listing endpoint. It is safe for concurrent use;
// overlapping cycles may call FetchSnapshot at the same time.
type Client struct {
	httpClient    *http.Client
	endpoint      string
	maxAttempts   int
	retryInterval time.Duration
	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	logger        *log.Logger
}

// NewClient builds a configured client.
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultPath
	}
	if cfg.Offset < 0 {
		return nil, fmt.Errorf("upstream: offset must be >= 0")
	}

	endpoint, err := url.Parse(base + path)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse endpoint: %w", err)
	}
	query := endpoint.Query()
	query.Set("apikey", cfg.APIKey)
	query.Set("offset", strconv.Itoa(cfg.Offset))
	endpoint.RawQuery = query.Encode()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	client := &Client{
		httpClient:    httpClient,
		endpoint:      endpoint.String(),
		maxAttempts:   attempts,
		retryInterval: retryInterval,
		limiter:       limiter,
		logger:        logger,
	}
	if cfg.BreakerThreshold > 0 {
		client.breaker = newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, logger)
	}
	return client, nil
}

func newBreaker(threshold int, cooldown time.Duration, logger *log.Logger) *gobreaker.CircuitBreaker {
	if cooldown <= 0 {
		cooldown = defaultBreakerDelay
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        source,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- threshold is a small positive config value.
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("upstream: circuit %s %s -> %s", name, from, to)
		},
	})
}

// FetchSnapshot performs one logical fetch of the match listing. Network
// failures and unparseable bodies are returned as errors; a parseable body
// without the success marker is forwarded as a passthrough result. While the
// circuit is open it fails fast with errs.CodeUnavailable.
func (c *Client) FetchSnapshot(ctx context.Context) (schema.FetchResult, error) {
	if c.breaker == nil {
		return c.fetchWithRetry(ctx)
	}
	out, err := c.breaker.Execute(func() (any, error) {
		return c.fetchWithRetry(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return schema.FetchResult{}, errs.New(source, errs.CodeUnavailable,
			errs.WithHTTP(http.StatusServiceUnavailable),
			errs.WithMessage("upstream circuit open"), errs.WithCause(err))
	}
	if err != nil {
		return schema.FetchResult{}, err
	}
	result, _ := out.(schema.FetchResult)
	return result, nil
}

// BreakerState reports the circuit state, or "disabled" without a breaker.
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

func (c *Client) fetchWithRetry(ctx context.Context) (schema.FetchResult, error) {
	if c.maxAttempts == 1 {
		return c.fetchOnce(ctx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval

	attempt := 0
	result, err := backoff.Retry(ctx, func() (schema.FetchResult, error) {
		attempt++
		res, err := c.fetchOnce(ctx)
		if err != nil && errs.Is(err, errs.CodeUpstream) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Printf("upstream: attempt %d failed, retrying in %v: %v", attempt, next, err)
		}),
	)
	if err != nil {
		return schema.FetchResult{}, err
	}
	return result, nil
}

func (c *Client) fetchOnce(ctx context.Context) (schema.FetchResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return schema.FetchResult{}, errs.New(source, errs.CodeUnavailable,
				errs.WithMessage("rate limiter wait"), errs.WithCause(err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return schema.FetchResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return schema.FetchResult{}, errs.New(source, errs.CodeNetwork,
			errs.WithMessage("fetch match listing"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return schema.FetchResult{}, errs.New(source, errs.CodeNetwork,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage("read match listing"), errs.WithCause(err))
	}

	result, err := Normalise(body)
	if err != nil {
		return schema.FetchResult{}, errs.New(source, errs.CodeUpstream,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("decode match listing"),
			errs.WithRawMessage(excerpt(body)),
			errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Printf("upstream: status %d, forwarding %s body", resp.StatusCode, result.Kind())
	}
	return result, nil
}

// Normalise classifies a parsed upstream body. A top-level object whose exact
// "status" key holds the string success marker yields its "data" value; every
// other JSON document is passed through unchanged. Keys match case-sensitively.
func Normalise(body []byte) (schema.FetchResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return schema.FetchResult{}, errors.New("empty body")
	}
	if !json.Valid(trimmed) {
		return schema.FetchResult{}, errors.New("body is not valid JSON")
	}
	if trimmed[0] != '{' {
		return schema.Passthrough(trimmed), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return schema.Passthrough(trimmed), nil
	}
	var status string
	if err := json.Unmarshal(fields["status"], &status); err != nil || status != schema.StatusSuccess {
		return schema.Passthrough(trimmed), nil
	}

	data := bytes.TrimSpace(fields["data"])
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return schema.Success(nil), nil
	}
	if data[0] != '[' {
		return schema.SuccessData(data), nil
	}
	var matches []json.RawMessage
	if err := json.Unmarshal(data, &matches); err != nil {
		return schema.SuccessData(data), nil
	}
	return schema.Success(matches), nil
}

func excerpt(body []byte) string {
	if len(body) <= rawExcerptBytes {
		return string(body)
	}
	return string(body[:rawExcerptBytes]) + "..."
}
