package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"t9/internal/irc"
)

// ConsoleHandler posts log records to the console channel, one PRIVMSG per
// record, with a coloured level prefix.
type ConsoleHandler struct {
	sink  *consoleSink
	inner slog.Handler
	level slog.Leveler
}

type consoleSink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	send    func(line string)
	channel string
}

func NewConsoleHandler(send func(line string), channel string, level slog.Leveler) *ConsoleHandler {
	sink := &consoleSink{send: send, channel: channel}
	return &ConsoleHandler{
		sink: sink,
		inner: slog.NewTextHandler(&sink.buf, &slog.HandlerOptions{
			Level:       slog.LevelDebug,
			ReplaceAttr: dropBuiltins,
		}),
		level: level,
	}
}

func dropBuiltins(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch a.Key {
		case slog.TimeKey, slog.LevelKey, slog.MessageKey:
			return slog.Attr{}
		}
	}
	return a
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.sink.mu.Lock()
	h.sink.buf.Reset()
	err := h.inner.Handle(ctx, r)
	attrs := strings.TrimSpace(h.sink.buf.String())
	h.sink.mu.Unlock()
	if err != nil {
		return err
	}

	text := r.Message
	if attrs != "" {
		text += " " + attrs
	}
	h.sink.send(irc.Msg(h.sink.channel, levelPrefix(r.Level)+text))
	return nil
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ConsoleHandler{sink: h.sink, inner: h.inner.WithAttrs(attrs), level: h.level}
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return &ConsoleHandler{sink: h.sink, inner: h.inner.WithGroup(name), level: h.level}
}

func levelPrefix(level slog.Level) string {
	color, name := "11", level.String()
	switch {
	case level >= slog.LevelError+4:
		color, name = "04", "CRIT"
	case level >= slog.LevelError:
		color, name = "04", "ERROR"
	case level >= slog.LevelWarn:
		color, name = "08", "WARN"
	}
	return fmt.Sprintf("\x03%s%5s\x03 ", color, name)
}

// Tee sends records to a base handler and, once one is attached, to a second
// handler. Loggers derived with With/WithGroup before Attach still reach the
// attached handler.
type Tee struct {
	base  slog.Handler
	extra *atomic.Pointer[slog.Handler]
	ops   []func(slog.Handler) slog.Handler
}

func NewTee(base slog.Handler) *Tee {
	return &Tee{base: base, extra: new(atomic.Pointer[slog.Handler])}
}

// Attach installs h as the second handler, replacing any earlier one.
func (t *Tee) Attach(h slog.Handler) { t.extra.Store(&h) }

// Detach removes the second handler.
func (t *Tee) Detach() { t.extra.Store(nil) }

// Base returns the base handler with this Tee's attributes and groups.
func (t *Tee) Base() slog.Handler { return t.base }

func (t *Tee) attached() slog.Handler {
	p := t.extra.Load()
	if p == nil {
		return nil
	}
	h := *p
	for _, op := range t.ops {
		h = op(h)
	}
	return h
}

func (t *Tee) Enabled(ctx context.Context, level slog.Level) bool {
	if t.base.Enabled(ctx, level) {
		return true
	}
	h := t.attached()
	return h != nil && h.Enabled(ctx, level)
}

func (t *Tee) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if t.base.Enabled(ctx, r.Level) {
		errs = append(errs, t.base.Handle(ctx, r.Clone()))
	}
	if h := t.attached(); h != nil && h.Enabled(ctx, r.Level) {
		errs = append(errs, h.Handle(ctx, r))
	}
	return errors.Join(errs...)
}

func (t *Tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.derive(t.base.WithAttrs(attrs), func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t *Tee) WithGroup(name string) slog.Handler {
	return t.derive(t.base.WithGroup(name), func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t *Tee) derive(base slog.Handler, op func(slog.Handler) slog.Handler) *Tee {
	ops := make([]func(slog.Handler) slog.Handler, len(t.ops), len(t.ops)+1)
	copy(ops, t.ops)
	return &Tee{base: base, extra: t.extra, ops: append(ops, op)}
}
