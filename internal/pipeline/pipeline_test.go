package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
)

// scriptedExec returns canned statuses per stage and records the upstream
// view each stage was handed.
type scriptedExec struct {
	statuses map[string]models.StageStatus
	seen     map[string]map[string]models.UpstreamState
}

func newScriptedExec(statuses map[string]models.StageStatus) *scriptedExec {
	return &scriptedExec{
		statuses: statuses,
		seen:     make(map[string]map[string]models.UpstreamState),
	}
}

func (e *scriptedExec) Run(_ context.Context, spec models.StageSpec, upstream map[string]models.UpstreamState) models.JobResult {
	e.seen[spec.Name] = upstream
	status, ok := e.statuses[spec.Name]
	if !ok {
		status = models.StageSuccess
	}
	return models.JobResult{Name: spec.Name, Status: status}
}

type fakeIndex struct {
	outputs map[string]bool
	err     error
}

func (f *fakeIndex) HasStageOutput(_ context.Context, stage string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.outputs[stage], nil
}

func noop(context.Context, map[string]models.UpstreamState) (models.Outcome, error) {
	return models.Outcome{Status: models.StageSuccess}, nil
}

func TestNew_RejectsDuplicateStage(t *testing.T) {
	_, err := New(newScriptedExec(nil), nil, zerolog.Nop(), nil,
		models.StageSpec{Name: "collect", Run: noop},
		models.StageSpec{Name: "collect", Run: noop},
	)
	if !errors.Is(err, models.ErrDuplicateStage) {
		t.Errorf("expected ErrDuplicateStage, got %v", err)
	}
}

func TestNew_RejectsUnknownDependency(t *testing.T) {
	_, err := New(newScriptedExec(nil), nil, zerolog.Nop(), nil,
		models.StageSpec{Name: "snapshot", Run: noop, DependsOn: []string{"truth"}},
	)
	if !errors.Is(err, models.ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestNew_RejectsForwardDependency(t *testing.T) {
	// Declaration order is execution order; depending on a later stage is
	// a wiring bug.
	_, err := New(newScriptedExec(nil), nil, zerolog.Nop(), nil,
		models.StageSpec{Name: "snapshot", Run: noop, DependsOn: []string{"collect"}},
		models.StageSpec{Name: "collect", Run: noop},
	)
	if !errors.Is(err, models.ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestNew_AcceptsExternalDependency(t *testing.T) {
	_, err := New(newScriptedExec(nil), nil, zerolog.Nop(),
		[]Option{WithExternalDeps("collect")},
		models.StageSpec{Name: "time-truth", Run: noop, DependsOn: []string{"collect"}},
	)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_FreshUpstreamAfterSuccess(t *testing.T) {
	exec := newScriptedExec(nil)
	p, err := New(exec, &fakeIndex{}, zerolog.Nop(), nil,
		models.StageSpec{Name: "collect", Run: noop},
		models.StageSpec{Name: "truth", Run: noop, DependsOn: []string{"collect"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if got := exec.seen["truth"]["collect"]; got != models.UpstreamFresh {
		t.Errorf("expected fresh upstream, got %s", got)
	}
	if len(results[1].StaleUpstream) != 0 {
		t.Errorf("expected no stale upstreams, got %v", results[1].StaleUpstream)
	}
}

func TestRun_StaleUpstreamWhenLastKnownGoodExists(t *testing.T) {
	exec := newScriptedExec(map[string]models.StageStatus{
		"collect": models.StageFailed,
	})
	p, err := New(exec, &fakeIndex{outputs: map[string]bool{"collect": true}}, zerolog.Nop(), nil,
		models.StageSpec{Name: "collect", Run: noop},
		models.StageSpec{Name: "truth", Run: noop, DependsOn: []string{"collect"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := exec.seen["truth"]["collect"]; got != models.UpstreamStale {
		t.Errorf("expected stale upstream, got %s", got)
	}
	if got := results[1].StaleUpstream; len(got) != 1 || got[0] != "collect" {
		t.Errorf("expected StaleUpstream=[collect], got %v", got)
	}
}

func TestRun_AbsentUpstreamWithoutOutput(t *testing.T) {
	exec := newScriptedExec(map[string]models.StageStatus{
		"collect": models.StageFailed,
	})
	p, err := New(exec, &fakeIndex{}, zerolog.Nop(), nil,
		models.StageSpec{Name: "collect", Run: noop},
		models.StageSpec{Name: "truth", Run: noop, DependsOn: []string{"collect"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := exec.seen["truth"]["collect"]; got != models.UpstreamAbsent {
		t.Errorf("expected absent upstream, got %s", got)
	}
}

func TestRun_PartialCountsAsFresh(t *testing.T) {
	exec := newScriptedExec(map[string]models.StageStatus{
		"collect": models.StagePartial,
	})
	p, err := New(exec, &fakeIndex{}, zerolog.Nop(), nil,
		models.StageSpec{Name: "collect", Run: noop},
		models.StageSpec{Name: "truth", Run: noop, DependsOn: []string{"collect"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := exec.seen["truth"]["collect"]; got != models.UpstreamFresh {
		t.Errorf("partial output is still fresh output, got %s", got)
	}
}

func TestRunWithBase_ExternalState(t *testing.T) {
	exec := newScriptedExec(nil)
	p, err := New(exec, &fakeIndex{}, zerolog.Nop(),
		[]Option{WithExternalDeps("collect")},
		models.StageSpec{Name: "time-truth", Run: noop, DependsOn: []string{"collect"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = p.RunWithBase(context.Background(), map[string]models.UpstreamState{
		"collect": models.UpstreamStale,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := exec.seen["time-truth"]["collect"]; got != models.UpstreamStale {
		t.Errorf("expected base state passed through, got %s", got)
	}
}

func TestRun_OnResultErrorAborts(t *testing.T) {
	exec := newScriptedExec(nil)
	fatal := errors.New("health store gone")

	p, err := New(exec, &fakeIndex{}, zerolog.Nop(),
		[]Option{WithOnResult(func(res models.JobResult) error {
			if res.Name == "collect" {
				return fatal
			}
			return nil
		})},
		models.StageSpec{Name: "collect", Run: noop},
		models.StageSpec{Name: "truth", Run: noop, DependsOn: []string{"collect"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := p.Run(context.Background())
	if !errors.Is(err, fatal) {
		t.Errorf("expected fatal hook error, got %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected run aborted after first stage, got %d results", len(results))
	}
	if _, ran := exec.seen["truth"]; ran {
		t.Error("expected truth stage not to run after fatal error")
	}
}

func TestRun_OutputIndexErrorPropagates(t *testing.T) {
	exec := newScriptedExec(map[string]models.StageStatus{
		"collect": models.StageFailed,
	})
	idxErr := errors.New("store unavailable")
	p, err := New(exec, &fakeIndex{err: idxErr}, zerolog.Nop(), nil,
		models.StageSpec{Name: "collect", Run: noop},
		models.StageSpec{Name: "truth", Run: noop, DependsOn: []string{"collect"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = p.Run(context.Background())
	if !errors.Is(err, idxErr) {
		t.Errorf("expected index error to propagate, got %v", err)
	}
}

func TestStages_Order(t *testing.T) {
	p, err := New(newScriptedExec(nil), nil, zerolog.Nop(), nil,
		models.StageSpec{Name: "collect", Run: noop},
		models.StageSpec{Name: "truth", Run: noop, DependsOn: []string{"collect"}},
		models.StageSpec{Name: "snapshot", Run: noop, DependsOn: []string{"truth"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := p.Stages()
	want := []string{"collect", "truth", "snapshot"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}
