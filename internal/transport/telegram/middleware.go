package telegram

import (
	"context"
	"runtime/debug"
	"time"

	tele "gopkg.in/telebot.v4"

	"assistbot/internal/floodguard"
	logx "assistbot/pkg/logx"
)

func (b *Bot) recoverMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			return next(c)
		}
	}
}

// floodMiddleware runs the flood guard ahead of every handler. Dropped
// messages are swallowed silently; admins bypass the guard entirely.
func (b *Bot) floodMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if b.guard == nil || c.Message() == nil || c.Sender() == nil {
				return next(c)
			}
			userID := c.Sender().ID
			if b.isAdmin(userID) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			verdict := b.guard.Admit(ctx, userID, time.Now())
			cancel()

			if verdict != floodguard.Allow {
				b.log.Debug("message dropped",
					logx.Int64("user", userID),
					logx.String("verdict", verdict.String()))
				return nil
			}
			return next(c)
		}
	}
}
