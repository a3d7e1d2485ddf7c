// Package trigger switches device loops to burst mode on external events.
package trigger

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// BurstTarget is a device loop that can be switched to burst mode.
type BurstTarget interface {
	ActivateBurst()
}

// Subscribe starts catching SIGUSR2. A signal received before anything reads
// the channel is kept, one at most. Call stop to restore the default action.
func Subscribe() (ch <-chan os.Signal, stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR2)
	return c, func() { signal.Stop(c) }
}

// Listen activates burst mode on every target whenever the process
// receives SIGUSR2. It returns when ctx is done.
func Listen(ctx context.Context, targets []BurstTarget, log *slog.Logger) {
	ch, stop := Subscribe()
	defer stop()

	Forward(ctx, ch, targets, log)
}

// Forward activates burst mode on every target for each value received on ch.
func Forward(ctx context.Context, ch <-chan os.Signal, targets []BurstTarget, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			log.Info("burst mode requested", "signal", sig.String(), "devices", len(targets))
			for _, target := range targets {
				target.ActivateBurst()
			}
		}
	}
}
