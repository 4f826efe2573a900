// Package truth builds the composite truth stage: four rollup computations
// that run as an inner pipeline within a single outer-pipeline slot.
// Each child keeps its own retry and circuit breaker state; the composite
// itself carries neither.
package truth

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/pipeline"
)

// Canonical child stage names.
const (
	StageTime       = "time-truth"
	StageCommitment = "commitment-truth"
	StageCapacity   = "capacity-truth"
	StageClient     = "client-truth"
)

// ChildNames lists the child stages in execution order.
func ChildNames() []string {
	return []string{StageTime, StageCommitment, StageCapacity, StageClient}
}

// Children supplies the four rollup computations.
type Children struct {
	Time       models.StageFunc
	Commitment models.StageFunc
	Capacity   models.StageFunc
	Client     models.StageFunc
}

// Composite wraps the inner truth pipeline behind a single StageSpec.
type Composite struct {
	inner  *pipeline.Pipeline
	logger zerolog.Logger
}

// New builds the composite. The inner pipeline runs on the same executor
// as the outer one, so each child gets the shared runner's retry policy
// and its own breaker from the shared registry.
func New(exec pipeline.StageExecutor, outputs pipeline.OutputIndex, logger zerolog.Logger, ch Children) (*Composite, error) {
	if ch.Time == nil || ch.Commitment == nil || ch.Capacity == nil || ch.Client == nil {
		return nil, fmt.Errorf("truth composite: all four child stages are required")
	}

	inner, err := pipeline.New(exec, outputs, logger,
		[]pipeline.Option{pipeline.WithExternalDeps("collect")},
		models.StageSpec{
			Name:      StageTime,
			Run:       ch.Time,
			DependsOn: []string{"collect"},
		},
		models.StageSpec{
			Name:      StageCommitment,
			Run:       ch.Commitment,
			DependsOn: []string{"collect"},
		},
		models.StageSpec{
			Name:      StageCapacity,
			Run:       ch.Capacity,
			DependsOn: []string{"collect", StageTime},
		},
		models.StageSpec{
			Name:      StageClient,
			Run:       ch.Client,
			DependsOn: []string{"collect", StageTime, StageCommitment, StageCapacity},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("building truth pipeline: %w", err)
	}

	return &Composite{
		inner:  inner,
		logger: logger.With().Str("component", "truth").Logger(),
	}, nil
}

// Stage returns the StageSpec the outer pipeline runs. The outer runner
// executes it exactly once per cycle with no retry and no breaker.
func (c *Composite) Stage() models.StageSpec {
	return models.StageSpec{
		Name:      "truth",
		Run:       c.run,
		DependsOn: []string{"collect"},
		Composite: true,
	}
}

func (c *Composite) run(ctx context.Context, upstream map[string]models.UpstreamState) (models.Outcome, error) {
	collect, ok := upstream["collect"]
	if !ok {
		collect = models.UpstreamAbsent
	}

	results, err := c.inner.RunWithBase(ctx, map[string]models.UpstreamState{
		"collect": collect,
	})
	if err != nil {
		return models.Outcome{}, fmt.Errorf("running truth pipeline: %w", err)
	}

	out := models.Outcome{
		Status:   rollupStatus(results),
		Children: results,
	}
	for _, r := range results {
		out.Items += r.Items
	}
	if out.Status != models.StageSuccess {
		out.Note = summarize(results)
	}
	return out, nil
}

// rollupStatus derives the composite status: success only when every child
// succeeded, failed or skipped only when every child did, partial for any
// mix.
func rollupStatus(results []models.JobResult) models.StageStatus {
	if len(results) == 0 {
		return models.StageSkipped
	}
	allSuccess, allFailed, allSkipped := true, true, true
	for _, r := range results {
		if r.Status != models.StageSuccess {
			allSuccess = false
		}
		if r.Status != models.StageFailed {
			allFailed = false
		}
		if r.Status != models.StageSkipped {
			allSkipped = false
		}
	}
	switch {
	case allSuccess:
		return models.StageSuccess
	case allFailed:
		return models.StageFailed
	case allSkipped:
		return models.StageSkipped
	default:
		return models.StagePartial
	}
}

func summarize(results []models.JobResult) string {
	note := ""
	for _, r := range results {
		if r.Status == models.StageSuccess {
			continue
		}
		if note != "" {
			note += "; "
		}
		note += fmt.Sprintf("%s=%s", r.Name, r.Status)
	}
	return note
}
