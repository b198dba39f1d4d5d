// Package network implements the ota.Network capability over HTTP.
//
// Metadata requests go through hashicorp/go-retryablehttp for automatic retry
// with backoff and jitter; they are small, idempotent GETs where a transient
// failure is worth one more try. Firmware downloads use a plain client with
// connect and header timeouts but no overall deadline, because a full image
// on a slow link takes minutes and stall detection belongs to the flasher.
//
// Usage:
//
//	netw := network.NewClient(network.Options{BoardID: "simulator", FirmwareVersion: "1.0.0"}, logger)
//	resp, err := netw.Get(ctx, "http://ota.local:8080/api/version?board=simulator")
package network

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/roundtouch/ota-agent/internal/ota"
)

// MaxMetadataBytes bounds the buffered version response.
const MaxMetadataBytes = 64 << 10

// Options configures a Client. Zero values select the defaults noted per field.
type Options struct {
	// BoardID and FirmwareVersion are sent as request headers.
	BoardID         string
	FirmwareVersion string

	// RequestTimeout bounds each metadata request. Default: 30 seconds.
	RequestTimeout time.Duration
	// ConnectTimeout bounds TCP connect for both clients. Default: 5 seconds.
	ConnectTimeout time.Duration
	// RetryMax is the number of metadata retries. Default: 3.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func (o *Options) applyDefaults() {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.RetryMax == 0 {
		o.RetryMax = 3
	}
	if o.RetryWaitMin == 0 {
		o.RetryWaitMin = 1 * time.Second
	}
	if o.RetryWaitMax == 0 {
		o.RetryWaitMax = 10 * time.Second
	}
}

// Client talks to the firmware server.
type Client struct {
	metadata *http.Client
	download *http.Client
	opts     Options
	logger   *slog.Logger
}

var _ ota.Network = (*Client)(nil)

// NewClient creates a Client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	opts.applyDefaults()

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Backoff = retryablehttp.LinearJitterBackoff
	// Hand the final response back so callers see the real status code.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// Disable retryablehttp's internal logging - we use slog instead
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = opts.RequestTimeout
	retryClient.HTTPClient.Transport = &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConns:        2,
		IdleConnTimeout:     60 * time.Second,
	}

	return &Client{
		metadata: retryClient.StandardClient(),
		download: &http.Client{
			// No Timeout: the transfer is bounded by the flasher's stall timer
			// and the caller's context.
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.RequestTimeout,
				DisableCompression:    true,
			},
		},
		opts:   opts,
		logger: logger.With(slog.String("component", "network")),
	}
}

// Get performs a GET and returns the buffered body. Bodies longer than
// MaxMetadataBytes are truncated.
func (c *Client) Get(ctx context.Context, url string) (*ota.Response, error) {
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.metadata.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	// CRITICAL: Always close response body to prevent connection leaks
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("metadata response",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
	)
	return &ota.Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// OpenStream performs a GET and returns the response with its body unread.
// Non-200 responses are returned, not turned into errors, so the caller
// decides how to report them.
func (c *Client) OpenStream(ctx context.Context, url string) (*ota.Stream, error) {
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}

	c.logger.Debug("firmware response",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Int64("content_length", resp.ContentLength),
	)
	return &ota.Stream{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "ota-agent/"+c.opts.FirmwareVersion)
	if c.opts.BoardID != "" {
		req.Header.Set("X-Device-Board", c.opts.BoardID)
	}
	if c.opts.FirmwareVersion != "" {
		req.Header.Set("X-Firmware-Version", c.opts.FirmwareVersion)
	}
	return req, nil
}
