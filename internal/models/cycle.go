package models

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobResult is the outcome of one stage execution within one cycle.
// Immutable once produced.
type JobResult struct {
	Name      string        `json:"name"`
	Status    StageStatus   `json:"status"`
	Attempts  int           `json:"attempts"`
	Items     int           `json:"items"`
	Error     string        `json:"error,omitempty"`
	Note      string        `json:"note,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// StaleUpstream lists dependencies that were stale or absent when this
	// stage ran. Filled by the pipeline, not the stage itself.
	StaleUpstream []string `json:"stale_upstream,omitempty"`

	// Children holds per-stage results for composite stages.
	Children []JobResult `json:"children,omitempty"`
}

// Failed reports whether the stage's final status for the cycle is failed.
func (r JobResult) Failed() bool {
	return r.Status == StageFailed
}

// CycleResult is the outcome of one full orchestrator pass. Append-only
// during the run; never mutated after finalization.
type CycleResult struct {
	ID         string      `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Results    []JobResult `json:"results"`

	// Degraded is true when the cycle was unhealthy or any stage ran
	// against stale/absent upstream data or a circuit-open skip.
	Degraded bool `json:"degraded"`
}

// Healthy reports whether the cycle completed without any failed stage.
// Skipped stages do not by themselves make a cycle unhealthy.
func (c *CycleResult) Healthy() bool {
	for _, r := range c.Results {
		if r.Failed() {
			return false
		}
	}
	return true
}

// Result returns the JobResult for the named top-level stage, or nil.
func (c *CycleResult) Result(name string) *JobResult {
	for i := range c.Results {
		if c.Results[i].Name == name {
			return &c.Results[i]
		}
	}
	return nil
}

// NewCycleID returns a sortable, unique cycle identifier derived from the
// cycle's start time.
func NewCycleID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), uuid.New().String()[:8])
}

type cycleIDKey struct{}

// WithCycleID tags a context with the running cycle's ID so stages can
// stamp the outputs they persist.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

// CycleIDFrom returns the cycle ID carried by the context, if any.
func CycleIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey{}).(string)
	return id
}

// StageOutput is the durable last-known-good record a stage leaves behind.
// Downstream stages fall back to it when their dependency is stale.
type StageOutput struct {
	Stage      string          `json:"stage"`
	CycleID    string          `json:"cycle_id"`
	ProducedAt time.Time       `json:"produced_at"`
	Items      int             `json:"items"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
