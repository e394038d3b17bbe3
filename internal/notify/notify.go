// Package notify delivers fire-and-forget notifications about run
// milestones. Transports (Slack, webhooks) live outside this repo; what
// matters here is the delivery contract: a notification failure must never
// stall or fail a run.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/coderwave/wave/internal/telemetry"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, event string, fields map[string]any) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, event string, fields map[string]any) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, event string, fields map[string]any) error {
	return f(ctx, event, fields)
}

// Nop discards every notification.
func Nop() Notifier {
	return Func(func(context.Context, string, map[string]any) error { return nil })
}

// Log writes notifications to the logger. It is the default transport and
// the fallback when no external transport is configured.
func Log(logger telemetry.Logger) Notifier {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return Func(func(ctx context.Context, event string, fields map[string]any) error {
		keyvals := make([]any, 0, 2+2*len(fields))
		keyvals = append(keyvals, "event", event)
		for k, v := range fields {
			keyvals = append(keyvals, k, v)
		}
		logger.Info(ctx, "notification", keyvals...)
		return nil
	})
}

// Multi fans one notification out to every notifier, collecting errors.
func Multi(notifiers ...Notifier) Notifier {
	return Func(func(ctx context.Context, event string, fields map[string]any) error {
		var errs []error
		for _, n := range notifiers {
			if err := n.Notify(ctx, event, fields); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Guard makes any notifier safe to call from workflow code: delivery
// errors and panics are logged and swallowed, so observability outages
// never halt execution.
func Guard(n Notifier, logger telemetry.Logger) Notifier {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return Func(func(ctx context.Context, event string, fields map[string]any) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "notifier panicked", "event", event, "panic", fmt.Sprint(r))
			}
			err = nil
		}()
		if nerr := n.Notify(ctx, event, fields); nerr != nil {
			logger.Warn(ctx, "notification failed", "event", event, "error", nerr)
		}
		return nil
	})
}
