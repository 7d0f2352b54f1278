package telegram

import (
	"runtime/debug"
	"sync"
	"time"

	"lingvobot/core/logger"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// RecoverMiddleware catches panics in handlers and prevents the bot from crashing.
func RecoverMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		defer func() {
			if r := recover(); r != nil {
				logger.TG.Error("panic recovered",
					slog.String("event", "tg.panic"),
					slog.Any("err", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		return next(c)
	}
}

// LoggerMiddleware logs a single receipt line per update.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		start := time.Now()
		err := next(c)

		attrs := []any{
			slog.String("event", "update"),
			slog.String("status", logger.Status(err)),
			slog.Int("update_id", c.Update().ID),
			slog.Duration("duration", logger.Took(start)),
		}
		if user := c.Sender(); user != nil {
			attrs = append(attrs, slog.Int64("user_id", user.ID))
			if user.Username != "" {
				attrs = append(attrs, slog.String("username", logger.SanitizeLimit(user.Username, 64)))
			}
		}
		if t := c.Text(); t != "" {
			attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
		}
		logger.TG.Debug("update processed", attrs...)
		return err
	}
}

// RateLimitMiddleware enforces a minimum interval between updates from the
// same user. Limited updates are dropped silently.
func RateLimitMiddleware(interval time.Duration) tele.MiddlewareFunc {
	var (
		lastSeen   = make(map[int64]time.Time)
		lastSeenMu sync.Mutex
	)
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || interval <= 0 {
				return next(c)
			}

			now := time.Now()
			lastSeenMu.Lock()
			if last, ok := lastSeen[user.ID]; ok && now.Sub(last) < interval {
				lastSeenMu.Unlock()
				logger.TG.Warn("rate limit",
					slog.String("event", "tg.rate_limit"),
					slog.Int64("user_id", user.ID),
				)
				return nil
			}
			lastSeen[user.ID] = now
			lastSeenMu.Unlock()
			return next(c)
		}
	}
}
