package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/claw-office/internal/shared"
)

// Mode selects where log records go besides logs/system.jsonl.
type Mode int

const (
	// ModeAuto picks ModeConsole on a terminal and ModeJSON otherwise.
	ModeAuto Mode = iota
	// ModeJSON tees JSON lines to stdout.
	ModeJSON
	// ModeConsole writes human-readable text to stderr.
	ModeConsole
	// ModeQuiet writes to the log file only.
	ModeQuiet
)

func NewLogger(homeDir, level string, mode Mode) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	if mode == ModeAuto {
		mode = ModeJSON
		if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			mode = ModeConsole
		}
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	switch mode {
	case ModeQuiet:
		handler = slog.NewJSONHandler(file, opts)
	case ModeConsole:
		handler = fanout{
			slog.NewJSONHandler(file, opts),
			slog.NewTextHandler(os.Stderr, opts),
		}
	default:
		handler = slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), opts)
	}
	logger := slog.New(contextAttrs{handler}).With("component", "runtime")
	return logger, file, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// contextAttrs adds the ids carried by the context to each record. A key
// the call site already set is left alone.
type contextAttrs struct {
	slog.Handler
}

func (h contextAttrs) Handle(ctx context.Context, r slog.Record) error {
	set := make(map[string]bool, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		set[a.Key] = true
		return true
	})
	add := func(key, value string) {
		if value != "" && !set[key] {
			r.AddAttrs(slog.String(key, value))
		}
	}
	add("trace_id", shared.TraceID(ctx))
	add("request_id", shared.RequestID(ctx))
	add("run_id", shared.RunID(ctx))
	add("source", shared.Source(ctx))
	add("caller", shared.Caller(ctx))
	return h.Handler.Handle(ctx, r)
}

func (h contextAttrs) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextAttrs{h.Handler.WithAttrs(attrs)}
}

func (h contextAttrs) WithGroup(name string) slog.Handler {
	return contextAttrs{h.Handler.WithGroup(name)}
}

// fanout sends each record to every handler.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
