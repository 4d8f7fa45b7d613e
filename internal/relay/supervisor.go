package relay

import (
	"context"
	"errors"
	"fmt"
)

// Run drives the relay loop, restarting it with fresh state after
// recoverable faults. It returns when the context is canceled or when the
// loop has faulted maxErrors times in a row, in which case the last fault is
// returned.
func (s *Server) Run(ctx context.Context) error {
	return s.supervise(ctx, s.runLoop)
}

// supervise contains the restart policy, split from Run so the policy can be
// exercised against an arbitrary loop function.
//
// Every return from the loop triggers a full teardown of the live pairs.
// Context cancellation is never retried: it surfaces immediately after the
// teardown. Anything else counts against the error budget.
func (s *Server) supervise(ctx context.Context, run func(context.Context) error) error {
	var errorCount int
	for {
		err := run(ctx)
		s.shutdown()

		if ctx.Err() != nil {
			s.logger.Info("relay stopped", "reason", context.Cause(ctx))
			return err
		}

		if err == nil {
			err = errors.New("relay loop exited without error")
		}
		errorCount++
		s.logger.Error("relay loop fault",
			"err", err,
			"error_count", errorCount,
			"max_errors", s.maxErrors,
		)

		if errorCount >= s.maxErrors {
			return fmt.Errorf("relay loop failed %d times, giving up: %w", errorCount, err)
		}

		s.restarts.Add(1)
		if s.metrics != nil {
			s.metrics.LoopRestarts.Inc()
		}
	}
}
