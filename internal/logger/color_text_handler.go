package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

// ColorTextHandler renders records like slog.TextHandler but prints the level
// first, wrapped in an ANSI colour, instead of as a level= attribute.
// The level is written outside the formatted record because TextHandler
// quotes control characters in values.
type ColorTextHandler struct {
	w    io.Writer
	mu   *sync.Mutex
	opts slog.HandlerOptions
	ops  []func(slog.Handler) slog.Handler // WithAttrs/WithGroup replayed per record
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	h := &ColorTextHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *ColorTextHandler) Enabled(_ context.Context, l slog.Level) bool {
	minLvl := slog.LevelInfo
	if h.opts.Level != nil {
		minLvl = h.opts.Level.Level()
	}
	return l >= minLvl
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	opts := h.opts
	user := opts.ReplaceAttr
	opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			return slog.Attr{}
		}
		if user != nil {
			return user(groups, a)
		}
		return a
	}
	var inner slog.Handler = slog.NewTextHandler(&buf, &opts)
	for _, op := range h.ops {
		inner = op(inner)
	}
	if err := inner.Handle(ctx, r); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, levelColor(r.Level)+r.Level.String()+colorReset+" "); err != nil {
		return err
	}
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(in slog.Handler) slog.Handler { return in.WithAttrs(attrs) })
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return h.with(func(in slog.Handler) slog.Handler { return in.WithGroup(name) })
}

func (h *ColorTextHandler) with(op func(slog.Handler) slog.Handler) *ColorTextHandler {
	c := *h
	c.ops = append(append([]func(slog.Handler) slog.Handler(nil), h.ops...), op)
	return &c
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}
