// Package pipeline runs an ordered list of stages within one cycle and
// computes each stage's view of its upstream dependencies.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
)

// OutputIndex answers whether a last-known-good output exists for a stage.
// The pipeline uses it to distinguish stale upstreams from absent ones.
type OutputIndex interface {
	HasStageOutput(ctx context.Context, stage string) (bool, error)
}

// StageExecutor runs a single stage. Satisfied by runner.Runner.
type StageExecutor interface {
	Run(ctx context.Context, spec models.StageSpec, upstream map[string]models.UpstreamState) models.JobResult
}

// Pipeline executes its stages sequentially in declaration order.
type Pipeline struct {
	exec      StageExecutor
	outputs   OutputIndex
	specs     []models.StageSpec
	externals map[string]bool
	onResult  func(models.JobResult) error
	logger    zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExternalDeps declares dependency names satisfied outside this
// pipeline. Their state must be supplied through RunWithBase.
func WithExternalDeps(names ...string) Option {
	return func(p *Pipeline) {
		for _, n := range names {
			p.externals[n] = true
		}
	}
}

// WithOnResult installs a hook called after every stage result. A non-nil
// error from the hook aborts the cycle and propagates to the caller;
// it is reserved for failures that make continuing pointless, such as
// losing the ability to persist health state.
func WithOnResult(fn func(models.JobResult) error) Option {
	return func(p *Pipeline) { p.onResult = fn }
}

// New validates the stage list and builds a Pipeline. Stage names must be
// unique and every dependency must name an earlier stage or a declared
// external.
func New(exec StageExecutor, outputs OutputIndex, logger zerolog.Logger, opts []Option, specs ...models.StageSpec) (*Pipeline, error) {
	p := &Pipeline{
		exec:      exec,
		outputs:   outputs,
		specs:     specs,
		externals: make(map[string]bool),
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("stage with empty name")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("stage %q: %w", spec.Name, models.ErrDuplicateStage)
		}
		for _, dep := range spec.DependsOn {
			if !seen[dep] && !p.externals[dep] {
				return nil, fmt.Errorf("stage %q depends on %q: %w", spec.Name, dep, models.ErrUnknownDependency)
			}
		}
		seen[spec.Name] = true
	}
	return p, nil
}

// Run executes all stages with no externally supplied upstream state.
func (p *Pipeline) Run(ctx context.Context) ([]models.JobResult, error) {
	return p.RunWithBase(ctx, nil)
}

// RunWithBase executes all stages. base supplies upstream state for
// declared external dependencies. Each stage sees its dependencies as
// fresh when they succeeded this cycle, stale when a persisted
// last-known-good output exists, and absent otherwise.
func (p *Pipeline) RunWithBase(ctx context.Context, base map[string]models.UpstreamState) ([]models.JobResult, error) {
	finished := make(map[string]models.StageStatus, len(p.specs))
	results := make([]models.JobResult, 0, len(p.specs))

	for _, spec := range p.specs {
		upstream, stale, err := p.upstreamFor(ctx, spec, finished, base)
		if err != nil {
			return results, err
		}

		res := p.exec.Run(ctx, spec, upstream)
		res.StaleUpstream = stale
		finished[spec.Name] = res.Status
		results = append(results, res)

		if p.onResult != nil {
			if err := p.onResult(res); err != nil {
				return results, fmt.Errorf("after stage %q: %w", spec.Name, err)
			}
		}

		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// upstreamFor builds one stage's dependency view and the sorted list of
// dependencies it will be consuming stale data for.
func (p *Pipeline) upstreamFor(ctx context.Context, spec models.StageSpec, finished map[string]models.StageStatus, base map[string]models.UpstreamState) (map[string]models.UpstreamState, []string, error) {
	upstream := make(map[string]models.UpstreamState, len(spec.DependsOn))
	var stale []string

	for _, dep := range spec.DependsOn {
		state, err := p.resolve(ctx, dep, finished, base)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving upstream %q for stage %q: %w", dep, spec.Name, err)
		}
		upstream[dep] = state
		if state == models.UpstreamStale {
			stale = append(stale, dep)
		}
	}
	sort.Strings(stale)
	return upstream, stale, nil
}

func (p *Pipeline) resolve(ctx context.Context, dep string, finished map[string]models.StageStatus, base map[string]models.UpstreamState) (models.UpstreamState, error) {
	if status, ran := finished[dep]; ran {
		if status.Succeeded() {
			return models.UpstreamFresh, nil
		}
		return p.fallback(ctx, dep)
	}
	if state, ok := base[dep]; ok {
		return state, nil
	}
	return p.fallback(ctx, dep)
}

// fallback checks for a persisted last-known-good output when the
// dependency produced nothing fresh this cycle.
func (p *Pipeline) fallback(ctx context.Context, dep string) (models.UpstreamState, error) {
	if p.outputs == nil {
		return models.UpstreamAbsent, nil
	}
	has, err := p.outputs.HasStageOutput(ctx, dep)
	if err != nil {
		return models.UpstreamAbsent, err
	}
	if has {
		return models.UpstreamStale, nil
	}
	return models.UpstreamAbsent, nil
}

// Stages returns the declared stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.specs))
	for i, s := range p.specs {
		names[i] = s.Name
	}
	return names
}
