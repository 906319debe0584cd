package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RunWithGracefulShutdown runs the engine and stops it on SIGTERM/SIGINT.
// A signal-initiated stop is not an error. If teardown does not complete
// within timeout the function returns without waiting further.
func RunWithGracefulShutdown(ctx context.Context, engine *Engine, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = engine.Config().ShutdownTimeout
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		engine.Stop()

		select {
		case err := <-errCh:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-time.After(timeout):
			slog.Warn("shutdown timeout expired, forcing exit", "timeout", timeout)
			return fmt.Errorf("shutdown timed out after %s", timeout)
		}

	case err := <-errCh:
		return err
	}
}
