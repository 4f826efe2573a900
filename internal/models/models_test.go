package models

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCycleResult_Healthy(t *testing.T) {
	tests := []struct {
		name    string
		results []JobResult
		want    bool
	}{
		{"all success", []JobResult{{Status: StageSuccess}, {Status: StageSuccess}}, true},
		{"partial is healthy", []JobResult{{Status: StagePartial}}, true},
		{"skipped is healthy", []JobResult{{Status: StageSkipped, Reason: ReasonCircuitOpen}}, true},
		{"one failure", []JobResult{{Status: StageSuccess}, {Status: StageFailed}}, false},
		{"empty cycle", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CycleResult{Results: tt.results}
			if got := c.Healthy(); got != tt.want {
				t.Errorf("Healthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewCycleID_SortableAndUnique(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	id1 := NewCycleID(t1)
	id2 := NewCycleID(t2)
	if id1 >= id2 {
		t.Errorf("expected chronological IDs to sort, got %s >= %s", id1, id2)
	}
	if !strings.HasPrefix(id1, "20260301T060000Z-") {
		t.Errorf("unexpected ID format: %s", id1)
	}
	if NewCycleID(t1) == NewCycleID(t1) {
		t.Error("expected unique IDs for the same instant")
	}
}

func TestHealthState_RecordOutcome(t *testing.T) {
	h := NewHealthState()

	h.RecordOutcome("collect", StageFailed)
	h.RecordOutcome("collect", StageFailed)
	if h.Failures("collect") != 2 {
		t.Errorf("expected 2 failures, got %d", h.Failures("collect"))
	}

	// Skips leave the counter alone.
	h.RecordOutcome("collect", StageSkipped)
	if h.Failures("collect") != 2 {
		t.Errorf("expected skip to leave counter, got %d", h.Failures("collect"))
	}

	// Any non-failed, non-skipped status resets.
	h.RecordOutcome("collect", StagePartial)
	if h.Failures("collect") != 0 {
		t.Errorf("expected reset after partial, got %d", h.Failures("collect"))
	}
}

func TestHealthState_Clone(t *testing.T) {
	h := NewHealthState()
	h.RecordOutcome("collect", StageFailed)
	h.SetCircuitOpen([]string{"snapshot", "collect"})
	last := time.Now()
	h.LastSuccessfulCycle = &last

	clone := h.Clone()
	clone.ConsecutiveFailures["collect"] = 99
	clone.CircuitOpen[0] = "mutated"

	if h.Failures("collect") != 1 {
		t.Error("clone shares failure map with original")
	}
	if h.CircuitOpen[0] != "collect" {
		t.Error("clone shares circuit slice with original")
	}
	if h.CircuitOpen[0] != "collect" || h.CircuitOpen[1] != "snapshot" {
		t.Errorf("expected sorted circuit list, got %v", h.CircuitOpen)
	}

	// Readers get copies, so the accessors must work on plain values.
	if got := h.Clone().Failures("collect"); got != 1 {
		t.Errorf("expected 1 failure via cloned copy, got %d", got)
	}
}

func TestCycleIDContext(t *testing.T) {
	ctx := context.Background()
	if got := CycleIDFrom(ctx); got != "" {
		t.Errorf("expected empty ID from bare context, got %q", got)
	}

	ctx = WithCycleID(ctx, "20260301T060000Z-abcd1234")
	if got := CycleIDFrom(ctx); got != "20260301T060000Z-abcd1234" {
		t.Errorf("expected ID round-trip, got %q", got)
	}
}

func TestStageStatus_Succeeded(t *testing.T) {
	if !StageSuccess.Succeeded() || !StagePartial.Succeeded() {
		t.Error("success and partial must count as succeeded")
	}
	if StageFailed.Succeeded() || StageSkipped.Succeeded() {
		t.Error("failed and skipped must not count as succeeded")
	}
}
