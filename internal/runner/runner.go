// Package runner executes single stages with timeout, retry, and circuit
// breaker bookkeeping. It is the one failure boundary every stage passes
// through: stage errors, panics, and timeouts all end here as JobResult
// data, never as propagated errors.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/breaker"
	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/pkg/clock"
)

// Runner executes one StageSpec per cycle.
type Runner struct {
	breakers *breaker.Registry
	retry    RetryPolicy
	clk      clock.Clock
	timeout  time.Duration
	logger   zerolog.Logger
}

// Config holds runner configuration.
type Config struct {
	// StageTimeout bounds each stage invocation unless the spec overrides it.
	StageTimeout time.Duration
	// Retry is the per-cycle retry policy.
	Retry RetryPolicy
}

// DefaultConfig returns the production runner configuration.
func DefaultConfig() *Config {
	return &Config{
		StageTimeout: 5 * time.Minute,
		Retry:        DefaultRetryPolicy(),
	}
}

// New creates a Runner.
func New(breakers *breaker.Registry, clk clock.Clock, logger zerolog.Logger, cfg *Config) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig().StageTimeout
	}
	return &Runner{
		breakers: breakers,
		retry:    cfg.Retry,
		clk:      clk,
		timeout:  cfg.StageTimeout,
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// Run executes a stage once for the current cycle and returns its
// JobResult. It never returns an error: every failure mode becomes result
// data for the degradation logic downstream.
func (r *Runner) Run(ctx context.Context, spec models.StageSpec, upstream map[string]models.UpstreamState) models.JobResult {
	started := r.clk.Now()
	res := models.JobResult{
		Name:      spec.Name,
		StartedAt: started,
	}

	// Off-schedule stages are skipped without touching the breaker.
	if spec.Gate != nil && !spec.Gate(started) {
		res.Status = models.StageSkipped
		res.Reason = models.ReasonNotScheduled
		res.Note = spec.GateNote
		res.Duration = r.clk.Since(started)
		return res
	}

	if spec.Composite {
		return r.runComposite(ctx, spec, upstream, res)
	}

	b := r.breakers.Get(spec.Name)
	if b.State() == breaker.Open {
		return r.runProbe(ctx, spec, upstream, b, res)
	}

	attempt := 0
	for {
		attempt++
		res.Attempts = attempt

		out, err := r.attempt(ctx, spec, upstream)
		if err == nil && out.Status != models.StageFailed {
			res.Status = out.Status
			res.Items = out.Items
			res.Note = out.Note
			res.Children = out.Children
			if out.Status == models.StageSkipped && res.Reason == "" {
				res.Reason = models.ReasonNoData
			}
			res.Duration = r.clk.Since(started)
			// A skip proves nothing either way; the breaker's failure
			// streak is left alone, matching the health counters.
			if out.Status != models.StageSkipped {
				b.RecordCycle(false)
			}
			r.logger.Debug().
				Str("stage", spec.Name).
				Str("status", string(res.Status)).
				Int("items", res.Items).
				Int("attempts", attempt).
				Msg("Stage finished")
			return res
		}

		if err == nil {
			err = fmt.Errorf("stage reported failure: %s", out.Note)
		}

		retry, delay := r.retry.ShouldRetry(attempt, err)
		if !retry {
			res.Status = models.StageFailed
			res.Error = err.Error()
			res.Duration = r.clk.Since(started)
			b.RecordCycle(true)
			r.logger.Warn().
				Err(err).
				Str("stage", spec.Name).
				Int("attempts", attempt).
				Msg("Stage failed")
			return res
		}

		r.logger.Info().
			Err(err).
			Str("stage", spec.Name).
			Dur("delay", delay).
			Msg("Stage failed, retrying")

		// Cancellable wait: a shutdown signal must not sit out the delay.
		select {
		case <-r.clk.After(delay):
		case <-ctx.Done():
			res.Attempts = attempt
			res.Status = models.StageFailed
			res.Error = fmt.Errorf("retry abandoned: %w", ctx.Err()).Error()
			res.Duration = r.clk.Since(started)
			b.RecordCycle(true)
			return res
		}
	}
}

// runProbe executes a single diagnostic attempt for an open-circuited
// stage. The cycle records the stage as skipped either way; only the
// breaker sees the probe's real outcome.
func (r *Runner) runProbe(ctx context.Context, spec models.StageSpec, upstream map[string]models.UpstreamState, b *breaker.Breaker, res models.JobResult) models.JobResult {
	out, err := r.attempt(ctx, spec, upstream)
	failed := err != nil || out.Status == models.StageFailed
	skipped := err == nil && out.Status == models.StageSkipped
	if !skipped {
		b.RecordCycle(failed)
	}

	res.Status = models.StageSkipped
	res.Reason = models.ReasonCircuitOpen
	res.Attempts = 1
	res.Duration = r.clk.Since(res.StartedAt)
	switch {
	case failed:
		res.Note = "circuit open; probe failed"
	case skipped:
		res.Note = "circuit open; probe produced no data"
	default:
		res.Note = "circuit open; probe succeeded"
		res.Items = out.Items
	}

	r.logger.Info().
		Str("stage", spec.Name).
		Bool("probe_failed", failed).
		Msg("Circuit open, ran probe")
	return res
}

// runComposite executes a composite stage exactly once, with no retry and
// no breaker: its children did their own failure handling.
func (r *Runner) runComposite(ctx context.Context, spec models.StageSpec, upstream map[string]models.UpstreamState, res models.JobResult) models.JobResult {
	out, err := r.attempt(ctx, spec, upstream)
	res.Attempts = 1
	res.Duration = r.clk.Since(res.StartedAt)
	if err != nil {
		res.Status = models.StageFailed
		res.Error = err.Error()
		return res
	}
	res.Status = out.Status
	res.Items = out.Items
	res.Note = out.Note
	res.Children = out.Children
	return res
}

type attemptResult struct {
	out models.Outcome
	err error
}

// attempt invokes the stage function once, bounded by the stage timeout,
// with panic containment. A stage that outlives its deadline is abandoned
// and reported as failed; the run loop never blocks on it.
func (r *Runner) attempt(ctx context.Context, spec models.StageSpec, upstream map[string]models.UpstreamState) (models.Outcome, error) {
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- attemptResult{err: fmt.Errorf("stage %q panicked: %v", spec.Name, rec)}
			}
		}()
		out, err := spec.Run(ctx, upstream)
		ch <- attemptResult{out: out, err: err}
	}()

	select {
	case ar := <-ch:
		return ar.out, ar.err
	case <-ctx.Done():
		return models.Outcome{}, fmt.Errorf("stage %q: %w", spec.Name, ctx.Err())
	}
}
