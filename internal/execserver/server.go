package execserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"t9/internal/execproto"
	"t9/internal/metrics"
)

const (
	maxRequestBytes = 1 << 20
	requestIDHeader = "X-Request-ID"
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Listen         string
	DefaultTimeout int
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Server serves /exec, /exit, /status and /metrics.
type Server struct {
	runner *Runner
	logger *slog.Logger
	exit   chan struct{}
	listen string
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "execserver")
	return &Server{
		runner: &Runner{
			DefaultTimeout: cfg.DefaultTimeout,
			MaxOutputBytes: cfg.MaxOutputBytes,
			Logger:         logger,
		},
		logger: logger,
		exit:   make(chan struct{}, 1),
		listen: cfg.Listen,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exec", s.handleExec)
	mux.HandleFunc("POST /exit", s.handleExit)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Collector.Handler())
	return mux
}

// Run listens on the configured address until ctx ends or /exit is called.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("exec server started", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("exec server stopping")
	case <-s.exit:
		s.logger.Info("exit requested, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	logger := s.logger.With("request_id", id)

	var req execproto.Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		logger.Warn("bad exec request", "err", err)
		http.Error(w, "bad exec request: "+err.Error(), http.StatusBadRequest)
		return
	}

	logger.Info("exec", "cmd", req.Cmd, "user", req.User, "dir", req.WorkingDir, "timeout", req.Timeout)
	metrics.ServerExecs.Inc()
	start := time.Now()
	frame := s.runner.Run(r.Context(), req)
	metrics.ServerLatency.ObserveSince(start)

	switch frame.ExcStatus {
	case execproto.ExcTimedOut:
		metrics.ServerTimeouts.Inc()
	case execproto.ExcFault:
		metrics.ServerStartFailures.Inc()
		logger.Warn("exec fault", "err", string(frame.Stderr))
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(requestIDHeader, id)
	if _, err := w.Write(execproto.Encode(frame)); err != nil {
		logger.Debug("write exec response", "err", err)
	}
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	select {
	case s.exit <- struct{}{}:
	default:
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ok")
}
