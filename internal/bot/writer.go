package bot

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"t9/internal/irc"
	"t9/internal/metrics"
)

// Writer serializes outbound lines onto the connection.
type Writer struct {
	ctx     context.Context
	limiter *RateLimiter // nil disables flood control
	logger  *slog.Logger

	mu sync.Mutex
	w  io.Writer
}

func NewWriter(ctx context.Context, w io.Writer, limiter *RateLimiter, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{ctx: ctx, w: w, limiter: limiter, logger: logger}
}

// SendLine writes one line and logs it.
func (w *Writer) SendLine(line string) {
	if w.write(line) {
		w.logger.Info("=> " + sanitizeLine(line))
	}
}

// sendQuiet writes without logging. The console log handler uses it so that
// its own output is not logged again.
func (w *Writer) sendQuiet(line string) {
	w.write(line)
}

func (w *Writer) write(line string) bool {
	line = sanitizeLine(line)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.limiter.Wait(w.ctx); err != nil {
		return false
	}
	if _, err := io.WriteString(w.w, line+string(irc.EOL)); err != nil {
		w.logger.Debug("write failed", "err", err)
		return false
	}
	metrics.LinesSent.Inc()
	return true
}

// sanitizeLine keeps a line from smuggling extra protocol lines.
func sanitizeLine(line string) string {
	if !strings.ContainsAny(line, "\r\n") {
		return line
	}
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(line)
}
