// Package paste uploads long text (exec stderr) to an HTTP paste service.
package paste

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout  = 10 * time.Second
	maxURLBytes     = 2048
	defaultAttempts = 2
)

// Client POSTs text/plain bodies to a paste endpoint that answers with the
// URL of the created paste.
type Client struct {
	endpoint string
	http     *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

type Config struct {
	Endpoint   string
	HTTPClient *http.Client // optional
	Attempts   int
	Backoff    time.Duration
	Logger     *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient(defaultTimeout)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     cfg.HTTPClient,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		logger:   cfg.Logger.With("component", "paste"),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:    4,
		IdleConnTimeout: 90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Paste uploads text. ok is false on any failure; the error is logged.
func (c *Client) Paste(ctx context.Context, text string) (string, bool) {
	url, err := c.Upload(ctx, text)
	if err != nil {
		c.logger.Warn("paste failed", "err", err)
		return "", false
	}
	return url, true
}

// Upload is Paste with the error returned.
func (c *Client) Upload(ctx context.Context, text string) (string, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(text))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("paste: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLBytes))
	if err != nil {
		return "", fmt.Errorf("read paste response: %w", err)
	}
	url := strings.TrimSpace(string(body))
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("paste: response is not a URL: %q", truncate(url, 80))
	}
	c.logger.Debug("pasted", "url", url, "bytes", len(text))
	return url, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
