package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mxn2020/geenius-sub000/resolver"
	"github.com/mxn2020/geenius-sub000/session"
)

// runContext carries the state of one pipeline attempt. Transformed file
// content lives here, not in the session store; a fresh attempt rebuilds it.
type runContext struct {
	ctx       context.Context
	engine    *Engine
	sessionID string
	batch     Batch

	// analysis is populated by the analyze phase.
	analysis *resolver.Result
	// transformed holds new file contents produced by the implement phase
	// (or scaffold content for initialization), keyed by path.
	transformed map[string]string
	// skipped lists files whose transformation failed this attempt.
	skipped []string
}

// run executes the session's pipeline with bounded retry. Fatal errors fail
// the session on the spot; transient errors back off exponentially and
// restart from the first phase, relying on the phases being idempotent.
func (e *Engine) run(ctx context.Context, sessionID string, batch Batch) {
	start := time.Now()
	maxAttempts := e.cfg.Pipeline.MaxAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := e.runAttempt(ctx, sessionID, batch)
		if err == nil {
			e.metrics.SessionFinished(string(batch.Kind), "completed")
			e.logger.Info("Session completed",
				"session_id", sessionID,
				"attempts", attempt,
				"duration", time.Since(start))
			return
		}
		if ctx.Err() != nil {
			// Cancel already failed the session; just stop.
			e.logger.Info("Session run stopped", "session_id", sessionID, "reason", context.Cause(ctx))
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrTerminal) {
			// Another process drove the session to a terminal state.
			e.logger.Info("Session run stopped", "session_id", sessionID, "reason", err)
			return
		}
		lastErr = err

		if isFatal(err, e.cfg.Pipeline.FatalPatterns) {
			e.failSession(ctx, sessionID, batch.Kind, session.FailureFatal, err)
			return
		}

		if attempt == maxAttempts {
			break
		}

		delay := backoff(e.cfg.Pipeline.BackoffBase, e.cfg.Pipeline.BackoffCap, attempt)
		e.metrics.PipelineRetried()
		_ = e.store.UpdateRetryState(ctx, sessionID, &session.RetryState{
			Attempt:       attempt,
			MaxAttempts:   maxAttempts,
			LastError:     err.Error(),
			NextAttemptAt: time.Now().Add(delay),
		})
		e.log(ctx, sessionID, session.LogWarn,
			fmt.Sprintf("attempt %d/%d failed, retrying in %s: %v", attempt, maxAttempts, delay, err),
			nil)
		e.logger.Warn("Pipeline attempt failed",
			"session_id", sessionID,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	e.failSession(ctx, sessionID, batch.Kind, session.FailureRetriesExhausted,
		fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr))
}

// runAttempt walks the kind's phase sequence once.
func (e *Engine) runAttempt(ctx context.Context, sessionID string, batch Batch) error {
	rc := &runContext{
		ctx:         ctx,
		engine:      e,
		sessionID:   sessionID,
		batch:       batch,
		transformed: make(map[string]string),
	}

	for _, p := range e.phasesFor(batch.Kind) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.store.UpdateStatus(ctx, sessionID, p.status, p.progress, p.name); err != nil {
			if errors.Is(err, session.ErrTerminal) {
				// Cancelled out from under us.
				return context.Canceled
			}
			return fmt.Errorf("update status: %w", err)
		}

		phaseStart := time.Now()
		err := p.fn(rc)
		e.metrics.PhaseObserved(p.name, time.Since(phaseStart))
		if err != nil {
			return fmt.Errorf("%s phase: %w", p.name, err)
		}
	}

	return e.store.Complete(ctx, sessionID, "done")
}

func (e *Engine) failSession(ctx context.Context, sessionID string, kind session.Kind, reason session.FailureReason, err error) {
	e.log(ctx, sessionID, session.LogError, err.Error(), nil)
	if ferr := e.store.Fail(ctx, sessionID, reason, err.Error()); ferr != nil && !errors.Is(ferr, session.ErrTerminal) {
		e.logger.Error("Failed to record session failure", "session_id", sessionID, "error", ferr)
	}
	e.metrics.SessionFinished(string(kind), "failed")
	e.logger.Error("Session failed",
		"session_id", sessionID,
		"reason", string(reason),
		"error", err)
}

// backoff returns the delay before the next attempt, doubling from base up
// to cap. attempt is 1-based.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
