// Package safego launches background goroutines that cannot take the
// process down: panics are recovered and logged, and long-lived loops
// can opt into being restarted after a crash.
package safego

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Go runs fn on a new goroutine. A panic is logged with its stack and
// swallowed; the goroutine exits instead of crashing the process.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		runRecovered(logger, name, fn)
	}()
}

// GoRestart runs fn on a new goroutine and relaunches it after a panic,
// waiting delay between attempts. A normal return or a cancelled ctx
// ends the supervision. The returned channel closes when the goroutine
// has fully stopped; callers use it to wait during shutdown.
func GoRestart(ctx context.Context, logger *zap.Logger, name string, delay time.Duration, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if !runRecovered(logger, name, fn) {
				return
			}
			logger.Warn("Restarting goroutine after panic",
				zap.String("goroutine", name),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
	return done
}

func runRecovered(logger *zap.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			logger.Error("Goroutine panicked",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
	return false
}
