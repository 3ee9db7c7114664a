// Package lifecycle handles the gateway's orderly startup and shutdown:
// catching SIGINT/SIGTERM the way the reference server's main loop does,
// triggering a graceful drain, and forcing an immediate exit if a second
// signal arrives before the drain completes.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Drainer performs the gateway's graceful-shutdown sequence: stop accepting
// new subscribers, notify existing ones, close upstream sessions, flush
// metrics. It must respect ctx's deadline and return once done (or once
// forced).
type Drainer func(ctx context.Context)

// WaitForShutdown blocks until SIGINT or SIGTERM arrives, then runs drain
// with a deadline of drainTimeout. A second signal received while draining
// forces an immediate os.Exit(1), the same two-signal escalation spec.md
// describes for shutdown.
func WaitForShutdown(drainTimeout time.Duration, drain Drainer) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining")

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		drain(ctx)
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("drain complete, exiting")
	case <-ctx.Done():
		log.Warn().Dur("drain_timeout", drainTimeout).Msg("drain timed out, exiting anyway")
	case sig := <-sigCh:
		log.Warn().Str("signal", sig.String()).Msg("second shutdown signal received, forcing immediate exit")
		os.Exit(1)
	}
}
