package models

import (
	"sort"
	"time"
)

// HealthState is the process-wide record of per-stage failure history.
// It is mutated only by the orchestrator (single writer, cycles are
// serialized) and read by the observability surface. It is persisted
// through the storage port after every stage outcome so that failure
// counters and open circuits survive process restarts; if the durable
// store is unavailable at startup the daemon runs on an in-memory copy
// and says so loudly.
type HealthState struct {
	ConsecutiveFailures map[string]int `json:"consecutive_failures"`
	LastSuccessfulCycle *time.Time     `json:"last_successful_cycle,omitempty"`
	CircuitOpen         []string       `json:"circuit_open"`
	Degraded            bool           `json:"degraded"`
}

// NewHealthState returns an empty health record.
func NewHealthState() *HealthState {
	return &HealthState{
		ConsecutiveFailures: make(map[string]int),
		CircuitOpen:         []string{},
	}
}

// RecordOutcome updates the consecutive-failure counter for one stage.
// A failed final status increments; any non-failed final status resets.
func (h *HealthState) RecordOutcome(stage string, status StageStatus) {
	if h.ConsecutiveFailures == nil {
		h.ConsecutiveFailures = make(map[string]int)
	}
	if status == StageFailed {
		h.ConsecutiveFailures[stage]++
		return
	}
	if status == StageSkipped {
		// A skip (circuit open or off-schedule) is neither success nor
		// failure; the counter is left alone.
		return
	}
	delete(h.ConsecutiveFailures, stage)
}

// SetCircuitOpen replaces the open-circuit set. The slice is sorted so the
// persisted form is deterministic.
func (h *HealthState) SetCircuitOpen(stages []string) {
	s := make([]string, len(stages))
	copy(s, stages)
	sort.Strings(s)
	h.CircuitOpen = s
}

// Failures returns the consecutive-failure count for a stage. Value
// receiver so it can be called on the copies handed to readers.
func (h HealthState) Failures(stage string) int {
	return h.ConsecutiveFailures[stage]
}

// Clone returns a deep copy safe to hand to readers.
func (h *HealthState) Clone() HealthState {
	out := HealthState{
		ConsecutiveFailures: make(map[string]int, len(h.ConsecutiveFailures)),
		CircuitOpen:         make([]string, len(h.CircuitOpen)),
		Degraded:            h.Degraded,
	}
	for k, v := range h.ConsecutiveFailures {
		out.ConsecutiveFailures[k] = v
	}
	copy(out.CircuitOpen, h.CircuitOpen)
	if h.LastSuccessfulCycle != nil {
		t := *h.LastSuccessfulCycle
		out.LastSuccessfulCycle = &t
	}
	return out
}
