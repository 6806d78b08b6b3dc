// Package facilitatorclient provides a client for a remote facilitator service.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/speedrun-hq/x402-facilitator/pkg/circuitbreaker"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitator"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/metrics"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
)

const (
	// DefaultTimeout bounds a single request. It is longer than the
	// facilitator's default receipt wait so settle can report its outcome.
	DefaultTimeout = 150 * time.Second

	defaultFailThreshold = 5
	defaultFailureWindow = time.Minute
	defaultResetTimeout  = 30 * time.Second
)

var (
	// ErrCircuitOpen is returned without calling the facilitator while the breaker is tripped
	ErrCircuitOpen = errors.New("facilitator circuit breaker is open")

	// ErrNotFound is returned by GetPayment for unknown payment ids
	ErrNotFound = errors.New("payment not found")
)

// HTTPError is a non-2xx facilitator response
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Client represents a facilitator API client
type Client struct {
	endpoint   string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     logger.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithTimeout sets the per-request timeout of the default client
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithCircuitBreaker replaces the default breaker
func WithCircuitBreaker(breaker *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = breaker }
}

// New creates a new facilitator API client
func New(endpoint string, logger logger.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: createHTTPClient(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.NewCircuitBreaker("facilitator", true,
			defaultFailThreshold, defaultFailureWindow, defaultResetTimeout, logger)
	}
	return c
}

// Verify asks the facilitator to check an encoded payment
func (c *Client) Verify(ctx context.Context, encoded string) (*protocol.VerifyResult, error) {
	var result protocol.VerifyResult
	if err := c.do(ctx, "verify", http.MethodPost, "/verify", protocol.PaymentRequest{Payment: encoded}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle asks the facilitator to submit an encoded payment on-chain
func (c *Client) Settle(ctx context.Context, encoded string) (*protocol.SettleResult, error) {
	var result protocol.SettleResult
	if err := c.do(ctx, "settle", http.MethodPost, "/settle", protocol.PaymentRequest{Payment: encoded}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPayment reads a payment's escrow record and status
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*protocol.PaymentInfo, error) {
	var info protocol.PaymentInfo
	err := c.do(ctx, "get_payment", http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &info)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// StartMonitor registers a webhook for a payment's status changes
func (c *Client) StartMonitor(ctx context.Context, paymentID, callbackURL string) error {
	body := map[string]string{"callbackUrl": callbackURL}
	return c.do(ctx, "start_monitor", http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/monitor", body, nil)
}

// CreatePaymentRequest asks the facilitator for a payment descriptor
func (c *Client) CreatePaymentRequest(ctx context.Context, req facilitator.CreatePaymentRequest) (*facilitator.PaymentRequestDescriptor, error) {
	var desc facilitator.PaymentRequestDescriptor
	if err := c.do(ctx, "create_payment", http.MethodPost, "/payments/create", req, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Config reads the facilitator's chain and contract addresses
func (c *Client) Config(ctx context.Context) (*facilitator.ServiceConfig, error) {
	var cfg facilitator.ServiceConfig
	if err := c.do(ctx, "config", http.MethodGet, "/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// do sends one request. Transport failures and 5xx responses count against
// the breaker; a 4xx still proves the facilitator is up.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out interface{}) error {
	if !c.breaker.Allow() {
		metrics.FacilitatorClientErrors.WithLabelValues(operation).Inc()
		return ErrCircuitOpen
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %v", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %v", operation, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failure(operation)
		return fmt.Errorf("failed to call facilitator %s: %w", operation, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		c.failure(operation)
		return fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode >= http.StatusInternalServerError {
			c.failure(operation)
		} else {
			c.breaker.RecordSuccess()
			metrics.FacilitatorClientErrors.WithLabelValues(operation).Inc()
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	c.breaker.RecordSuccess()
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %v, body: %s", operation, err, string(bodyBytes))
	}
	return nil
}

func (c *Client) failure(operation string) {
	metrics.FacilitatorClientErrors.WithLabelValues(operation).Inc()
	if c.breaker.RecordFailure() {
		c.logger.Notice("Facilitator %s failing, circuit open", operation)
	}
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
