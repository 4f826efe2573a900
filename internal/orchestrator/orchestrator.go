// Package orchestrator drives the recurring cycle: it owns the outer
// pipeline, the health state, and the run loop, and persists every cycle's
// outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/breaker"
	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/pipeline"
	"github.com/verityops/verity/internal/storage"
	"github.com/verityops/verity/pkg/clock"
)

// Observer is notified after every completed cycle. Observers must not
// block; the orchestrator calls them synchronously between cycles.
type Observer interface {
	CycleFinished(cycle *models.CycleResult, health models.HealthState)
}

// Config holds orchestrator settings.
type Config struct {
	// Interval is the pause between the end of one cycle and the start of
	// the next.
	Interval time.Duration
}

// DefaultConfig returns the production cycle interval.
func DefaultConfig() *Config {
	return &Config{Interval: 15 * time.Minute}
}

// Orchestrator runs cycles one at a time, updates durable health state
// after every stage, and records every finished cycle.
type Orchestrator struct {
	store     storage.Store
	breakers  *breaker.Registry
	pipe      *pipeline.Pipeline
	clk       clock.Clock
	logger    zerolog.Logger
	interval  time.Duration
	observers []Observer

	runMu sync.Mutex // serializes cycles

	healthMu sync.Mutex
	health   *models.HealthState

	// cycleCtx is the context of the in-flight cycle, set under runMu so
	// the OnResult hook can persist health with the right deadline.
	cycleCtx context.Context
}

// New builds an Orchestrator around the given stages. Health state and
// open circuits are restored from the store so a restart does not forget
// failure streaks.
func New(store storage.Store, exec pipeline.StageExecutor, breakers *breaker.Registry, clk clock.Clock, logger zerolog.Logger, cfg *Config, specs ...models.StageSpec) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	o := &Orchestrator{
		store:    store,
		breakers: breakers,
		clk:      clk,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		interval: cfg.Interval,
	}

	health, err := store.LoadHealth(context.Background())
	switch {
	case errors.Is(err, models.ErrHealthNotFound):
		health = models.NewHealthState()
	case err != nil:
		return nil, fmt.Errorf("restoring health state: %w", err)
	default:
		breakers.Restore(health.CircuitOpen, health.ConsecutiveFailures)
		o.logger.Info().
			Strs("circuit_open", health.CircuitOpen).
			Msg("Restored health state")
	}
	o.health = health

	pipe, err := pipeline.New(exec, store, logger,
		[]pipeline.Option{pipeline.WithOnResult(o.recordOutcome)},
		specs...,
	)
	if err != nil {
		return nil, fmt.Errorf("building pipeline: %w", err)
	}
	o.pipe = pipe
	return o, nil
}

// AddObserver registers a cycle observer. Not safe to call once Run has
// started.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observers = append(o.observers, obs)
}

// RunCycle executes one full cycle. It returns ErrCycleInProgress when a
// cycle is already running, and a non-nil error only for fatal conditions
// (losing the ability to persist health or cycle history).
func (o *Orchestrator) RunCycle(ctx context.Context) (*models.CycleResult, error) {
	if !o.runMu.TryLock() {
		return nil, models.ErrCycleInProgress
	}
	defer o.runMu.Unlock()

	started := o.clk.Now()
	cycle := &models.CycleResult{
		ID:        models.NewCycleID(started),
		StartedAt: started,
	}
	o.logger.Info().Str("cycle_id", cycle.ID).Msg("Cycle started")

	cctx := models.WithCycleID(ctx, cycle.ID)
	o.cycleCtx = cctx
	results, err := o.pipe.RunWithBase(cctx, nil)
	o.cycleCtx = nil

	cycle.Results = results
	cycle.FinishedAt = o.clk.Now()
	cycle.Degraded = isDegraded(cycle)

	if err != nil && !errors.Is(err, context.Canceled) {
		return cycle, fmt.Errorf("cycle %s: %w", cycle.ID, err)
	}

	if perr := o.finalizeHealth(cycle); perr != nil {
		return cycle, fmt.Errorf("cycle %s: %w", cycle.ID, perr)
	}

	if perr := o.store.AppendCycle(ctx, cycle); perr != nil {
		return cycle, fmt.Errorf("persisting cycle %s: %w", cycle.ID, perr)
	}

	health := o.Health()
	for _, obs := range o.observers {
		obs.CycleFinished(cycle, health)
	}

	o.logger.Info().
		Str("cycle_id", cycle.ID).
		Bool("healthy", cycle.Healthy()).
		Bool("degraded", cycle.Degraded).
		Dur("duration", cycle.FinishedAt.Sub(cycle.StartedAt)).
		Msg("Cycle finished")

	if err != nil {
		// Cancellation mid-cycle: the partial cycle is recorded, the loop
		// above us decides whether to stop.
		return cycle, err
	}
	return cycle, nil
}

// Run executes cycles until the context is cancelled. Fatal errors from a
// cycle stop the loop and propagate.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if _, err := o.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		select {
		case <-o.clk.After(o.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recordOutcome is the pipeline's per-stage hook. It folds the result (and
// any composite children) into the health state, syncs the open-circuit
// set, and persists. A persistence failure here is fatal: running blind
// on failure counters defeats the circuit breaker.
func (o *Orchestrator) recordOutcome(res models.JobResult) error {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()

	o.fold(res)
	o.health.SetCircuitOpen(o.breakers.OpenStages())

	ctx := o.cycleCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := o.store.SaveHealth(ctx, o.health); err != nil {
		return fmt.Errorf("persisting health state: %w", err)
	}
	return nil
}

// fold applies one result tree to the failure counters. Caller holds
// healthMu. Composite parents carry no breaker so only their children
// count.
func (o *Orchestrator) fold(res models.JobResult) {
	if len(res.Children) == 0 {
		o.health.RecordOutcome(res.Name, res.Status)
		return
	}
	for _, child := range res.Children {
		o.fold(child)
	}
}

// finalizeHealth updates the cycle-level health fields after all stages
// ran and persists them. Losing Degraded or LastSuccessfulCycle is as
// fatal as losing the failure counters.
func (o *Orchestrator) finalizeHealth(cycle *models.CycleResult) error {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()

	o.health.Degraded = cycle.Degraded
	if cycle.Healthy() {
		t := cycle.FinishedAt
		o.health.LastSuccessfulCycle = &t
	}
	if err := o.store.SaveHealth(context.Background(), o.health); err != nil {
		return fmt.Errorf("persisting health state: %w", err)
	}
	return nil
}

// Health returns a copy of the current health state.
func (o *Orchestrator) Health() models.HealthState {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()
	return o.health.Clone()
}

// CircuitStats returns per-stage breaker snapshots.
func (o *Orchestrator) CircuitStats() map[string]breaker.Stats {
	return o.breakers.Snapshots()
}

// Stages returns the outer pipeline's stage names in order.
func (o *Orchestrator) Stages() []string {
	return o.pipe.Stages()
}

// isDegraded reports whether any part of the cycle ran on degraded data:
// a failed stage, a stale upstream, or a circuit-open skip.
func isDegraded(cycle *models.CycleResult) bool {
	if !cycle.Healthy() {
		return true
	}
	return anyDegraded(cycle.Results)
}

func anyDegraded(results []models.JobResult) bool {
	for _, r := range results {
		if len(r.StaleUpstream) > 0 || r.Reason == models.ReasonCircuitOpen {
			return true
		}
		if anyDegraded(r.Children) {
			return true
		}
	}
	return false
}
