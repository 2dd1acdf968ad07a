package offcache

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger emits at most one record per interval and drops the
// rest. Used for failures that can repeat on every request.
type rateLimitedLogger struct {
	logger    *slog.Logger
	sometimes *rate.Sometimes
}

func newRateLimitedLogger(logger *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		logger:    logger,
		sometimes: &rate.Sometimes{Interval: interval},
	}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.sometimes.Do(func() {
		l.logger.Warn(msg, args...)
	})
}
