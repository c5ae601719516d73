package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type loggerContextKey struct{}

// InitLogger installs a JSON slog logger tagged with the service name as the
// default. When logsDir is set, records are also appended to
// <logsDir>/<service>.log. The returned func closes that file.
func InitLogger(level, service, logsDir string) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	cleanup := func() {}
	if dir := strings.TrimSpace(logsDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cleanup, fmt.Errorf("create logs dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, service+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		cleanup = func() { _ = f.Close() }
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	})
	logger := slog.New(handler)
	if service != "" {
		logger = logger.With("service", service)
	}
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

// ParseLevel maps debug, info, warn and error onto slog levels. Unknown input
// is treated as info.
func ParseLevel(level string) slog.Level {
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

// Fatal logs at error level and exits.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error(msg, args...)
	os.Exit(1)
}

// ContextWithLogger stores logger on ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the request-scoped logger, or the default one.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return slog.Default()
}
