// Package models defines the core data structures for Verity.
package models

import (
	"context"
	"time"
)

// UpstreamState describes how trustworthy a dependency's output is for the
// current cycle.
type UpstreamState string

const (
	// UpstreamFresh means the dependency succeeded this cycle.
	UpstreamFresh UpstreamState = "fresh"
	// UpstreamStale means the dependency failed, was skipped, or degraded
	// this cycle; the last durably persisted output must be used instead.
	UpstreamStale UpstreamState = "stale"
	// UpstreamAbsent means no prior successful output exists at all.
	UpstreamAbsent UpstreamState = "absent"
)

// StageStatus is the final status of a stage execution within one cycle.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StagePartial StageStatus = "partial"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// Succeeded reports whether the status counts as a non-failure for
// circuit-breaker and healthiness purposes.
func (s StageStatus) Succeeded() bool {
	return s == StageSuccess || s == StagePartial
}

// Skip reasons recorded on JobResult when a stage does not run normally.
const (
	ReasonCircuitOpen  = "circuit-open"
	ReasonNotScheduled = "not-scheduled"
	ReasonNoData       = "no-data"
)

// Outcome is what a stage function reports back to the runner. Stage
// functions must never panic or leak errors: internal failures are returned
// as the error value and translated to a failed JobResult by the runner.
type Outcome struct {
	Status StageStatus
	Items  int
	Note   string

	// Children carries per-stage results for composite stages (the truth
	// cycle). Empty for leaf stages.
	Children []JobResult
}

// StageFunc executes one stage for one cycle. The upstream map contains one
// entry per declared dependency describing its freshness this cycle. The
// function must honor the degradation contract: fall back to persisted
// output on stale inputs, and report skipped (never fabricated data) on
// absent inputs.
type StageFunc func(ctx context.Context, upstream map[string]UpstreamState) (Outcome, error)

// StageSpec is the static descriptor of a runnable stage. Immutable after
// pipeline construction.
type StageSpec struct {
	// Name uniquely identifies the stage within its pipeline and keys its
	// circuit breaker and health counters.
	Name string

	// Run is the stage function.
	Run StageFunc

	// DependsOn lists stages that must have run (successfully or degraded)
	// before this one starts.
	DependsOn []string

	// Timeout bounds one invocation of Run. Zero means the runner default.
	Timeout time.Duration

	// Gate, when non-nil, decides whether the stage runs this cycle at all
	// (e.g. the daily maintenance window). A false gate records the stage
	// as skipped with GateNote, not as an error.
	Gate     func(now time.Time) bool
	GateNote string

	// Composite marks a stage whose children manage their own retries and
	// circuit breakers (the truth cycle). The runner executes it exactly
	// once per cycle and does not feed a breaker for it.
	Composite bool
}
