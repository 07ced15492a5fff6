package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

var (
	globalLogger *slog.Logger
	level        = new(slog.LevelVar)
	once         sync.Once

	throttleMu sync.Mutex
	throttles  = make(map[string]*rate.Limiter)
)

func Init(lvl string) {
	once.Do(func() {
		SetLevel(lvl)
		// Use JSON handler for production-ready structured logging
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
		globalLogger = slog.New(handler)
		slog.SetDefault(globalLogger)
	})
}

// SetLevel changes the level of the global logger at runtime.
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		Init("info")
	}
	return globalLogger
}

// Helper functions for quick logging
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func LogError(ctx context.Context, err error, msg string, args ...any) {
	if err == nil {
		return
	}
	// Add error to attributes
	args = append(args, slog.String("error", err.Error()))
	Get().ErrorContext(ctx, msg, args...)
}

// WarnThrottled logs at most once per second per key (burst 5).
// Used for degraded-mode warnings that would otherwise fire on every request during an outage.
func WarnThrottled(key, msg string, args ...any) {
	throttleMu.Lock()
	lim, ok := throttles[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1), 5)
		throttles[key] = lim
	}
	throttleMu.Unlock()

	if lim.Allow() {
		Get().Warn(msg, args...)
	}
}
