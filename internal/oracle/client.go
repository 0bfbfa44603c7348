// Package oracle fetches current instrument prices from the external
// price service. It holds no state besides a rate limiter and a circuit
// breaker, and never retries: a failed lookup aborts the execution that
// asked for it.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"stockexchange-v1/internal/model"
)

// Compile-time check that Client implements model.PriceOracle.
var _ model.PriceOracle = (*Client)(nil)

// ClientConfig holds configuration for the price oracle client.
type ClientConfig struct {
	// BaseURL is the price service root, e.g. http://localhost:9001.
	BaseURL string

	// Path is the current-price endpoint. Defaults to /stock/v1/current.
	Path string

	// Timeout bounds a single lookup; exceeding it is PriceUnavailable.
	Timeout time.Duration

	// RateLimitPerSec caps outgoing requests.
	RateLimitPerSec float64

	// BreakerFailures consecutive failures open the circuit for BreakerCoolDown.
	BreakerFailures int
	BreakerCoolDown time.Duration

	// Logger is the structured logger for the client.
	Logger *slog.Logger

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Observe is called after every lookup with its duration and error.
	Observe func(d time.Duration, err error)
}

// ClientConfigDefaults returns a config with default values.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		BaseURL:         "http://localhost:9001",
		Path:            "/stock/v1/current",
		Timeout:         5 * time.Second,
		RateLimitPerSec: 20,
		BreakerFailures: 5,
		BreakerCoolDown: 10 * time.Second,
		Logger:          slog.Default(),
	}
}

// Client implements model.PriceOracle over HTTP.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
}

// NewClient creates a price oracle client.
func NewClient(config ClientConfig) (*Client, error) {
	applyDefaults(&config, ClientConfigDefaults())
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("oracle: invalid base url: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     config.Logger.With("component", "price-oracle"),
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitPerSec), 1),
		breaker:    NewCircuitBreaker(config.BreakerFailures, config.BreakerCoolDown),
	}, nil
}

func applyDefaults(config *ClientConfig, defaults ClientConfig) {
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RateLimitPerSec == 0 {
		config.RateLimitPerSec = defaults.RateLimitPerSec
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}
	if config.BreakerCoolDown == 0 {
		config.BreakerCoolDown = defaults.BreakerCoolDown
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
}

// Breaker exposes the circuit breaker so callers can export its state.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

type priceResponse struct {
	Price *decimal.Decimal `json:"price"`
}

// Price returns the current price of symbol. Every failure, including a
// timeout or an open circuit, is reported as model.ErrPriceUnavailable.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var price decimal.Decimal
	err := c.breaker.Execute(func() error {
		p, err := c.fetch(ctx, symbol)
		price = p
		return err
	})

	if c.config.Observe != nil {
		c.config.Observe(time.Since(start), err)
	}
	if err != nil {
		c.logger.Warn("price lookup failed", "symbol", symbol, "error", err)
		if errors.Is(err, model.ErrPriceUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", model.ErrPriceUnavailable, symbol, err)
	}

	c.logger.Debug("price fetched", "symbol", symbol, "price", price.String())
	return price, nil
}

func (c *Client) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	reqURL := strings.TrimRight(c.config.BaseURL, "/") + c.config.Path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pr priceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return decimal.Zero, fmt.Errorf("decode price: %w", err)
	}
	if pr.Price == nil {
		return decimal.Zero, errors.New("response has no price")
	}
	if !pr.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", pr.Price.String())
	}
	return *pr.Price, nil
}
