package execproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout is the server-side budget used when a request has none.
	DefaultTimeout = 10
	// transportSlack is added to the server-side budget for the client deadline.
	transportSlack = 3 * time.Second
	// maxResponseBytes bounds the body read; the host caps each stream at 128 KiB.
	maxResponseBytes = 1 << 20

	requestIDHeader = "X-Request-ID"

	// DefaultShutdownTimeout bounds the /exit request.
	DefaultShutdownTimeout = 5 * time.Second
)

// Client talks to one exec host.
type Client struct {
	baseURL         string
	http            *http.Client
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

type ClientConfig struct {
	BaseURL         string
	HTTPClient      *http.Client // optional
	Logger          *slog.Logger
	ShutdownTimeout time.Duration // default DefaultShutdownTimeout
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = sharedHTTPClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		http:            cfg.HTTPClient,
		logger:          cfg.Logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// sharedHTTPClient pools connections to the exec host. Per-call deadlines
// come from the request context, so the client itself has no timeout.
func sharedHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Exec runs req on the exec host. A server-side or client-side timeout is
// reported as ErrTimedOut; a host fault as *RemoteFaultError.
func (c *Client) Exec(ctx context.Context, req Request) (*Result, error) {
	if len(req.Cmd) == 0 {
		return nil, ErrEmptyArgv
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode exec request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second+transportSlack)
	defer cancel()

	id := uuid.NewString()
	c.logger.Debug("sending exec request", "url", c.baseURL+"/exec", "request_id", id, "cmd", req.Cmd, "timeout", req.Timeout)

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build exec request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(requestIDHeader, id)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if clientDeadline(ctx, callCtx) {
			return nil, ErrTimedOut
		}
		return nil, fmt.Errorf("exec request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("exec request: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if clientDeadline(ctx, callCtx) {
			return nil, ErrTimedOut
		}
		return nil, fmt.Errorf("read exec response: %w", err)
	}

	frame, err := Decode(data)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("got exec response", "request_id", id,
		"exc_status", frame.ExcStatus, "status", frame.Status,
		"out_len", len(frame.Stdout), "err_len", len(frame.Stderr))

	res, err := Interpret(frame)
	if errors.Is(err, ErrTimedOut) {
		c.logger.Debug("exec timed out on server side", "request_id", id)
	}
	return res, err
}

// clientDeadline reports whether the per-call deadline fired while the
// caller's own context is still live.
func clientDeadline(parent, call context.Context) bool {
	return parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded)
}

// Shutdown asks the exec host to exit. The host exits abruptly, so any
// transport error here is expected and swallowed. The request gives up after
// the shutdown timeout even if the host never answers.
func (c *Client) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exit", nil)
	if err != nil {
		c.logger.Debug("build exit request", "err", err)
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("exit request ended without response", "err", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Status polls the exec host's liveness endpoint.
func (c *Client) Status(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimedOut
		}
		return "", fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status request: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	if len(body) == 0 {
		return "<empty>", nil
	}
	return string(body), nil
}
