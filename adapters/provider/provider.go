// Package provider implements the upstream signal source as an HTTP
// JSON client.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/signal"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// Compile-time check that the adapter satisfies the port.
var _ ports.SignalProvider = (*Client)(nil)

var (
	// ErrUnavailable covers timeouts, connection failures, 429 and
	// 5xx responses. Callers treat it as "try the stale cache".
	ErrUnavailable = errors.New("signal provider unavailable")
	// ErrBadRequest covers non-retryable 4xx responses; the request
	// itself is wrong and retrying will not help.
	ErrBadRequest = errors.New("signal provider rejected request")
)

// maxBodyBytes caps a provider response. Signal payloads are small;
// anything bigger is a misbehaving upstream.
const maxBodyBytes = 4 << 20

// Config contains configuration for the upstream client.
type Config struct {
	BaseURL         string
	APIKey          string // sent as Authorization: Bearer when set
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// Client fetches signal payloads from the upstream provider over HTTP.
type Client struct {
	client  *http.Client
	baseURL *url.URL
	apiKey  string
}

// New creates an upstream client.
func New(cfg Config) (*Client, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
	}

	return &Client{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
	}, nil
}

// Fetch retrieves the payload for one normalized request. The request
// context bounds the call; its timeout counts as unavailability.
func (c *Client) Fetch(ctx context.Context, req signal.Request) ([]byte, error) {
	q := url.Values{}
	for k, v := range req.Params {
		q.Set(k, v)
	}
	u := c.baseURL.ResolveReference(&url.URL{
		Path:     "/signals/" + req.Symbol + "/" + req.Indicator,
		RawQuery: q.Encode(),
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Transport failures and timeouts are all unavailability.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: upstream status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: upstream status %d", ErrBadRequest, resp.StatusCode)
	}
}

// Name identifies the provider in logs and metrics.
func (c *Client) Name() string { return "upstream" }

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
