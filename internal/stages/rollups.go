package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/storage"
	"github.com/verityops/verity/internal/truth"
	"github.com/verityops/verity/pkg/clock"
)

// TimeTruthPayload is the persisted output of the time-truth rollup.
type TimeTruthPayload struct {
	MinutesByKind map[string]int `json:"minutes_by_kind"`
	TotalMinutes  int            `json:"total_minutes"`
	Records       int            `json:"records"`
}

// CommitmentTruthPayload is the persisted output of the commitment-truth
// rollup.
type CommitmentTruthPayload struct {
	Open    int `json:"open"`
	Overdue int `json:"overdue"`
	Closed  int `json:"closed"`
}

// CapacityTruthPayload is the persisted output of the capacity-truth
// rollup.
type CapacityTruthPayload struct {
	BudgetMinutes    int `json:"budget_minutes"`
	CommittedMinutes int `json:"committed_minutes"`
	RemainingMinutes int `json:"remaining_minutes"`
}

// ClientStats is one client's aggregate in the client-truth rollup.
type ClientStats struct {
	Client          string `json:"client"`
	Minutes         int    `json:"minutes"`
	OpenCommitments int    `json:"open_commitments"`
}

// ClientTruthPayload is the persisted output of the client-truth rollup.
type ClientTruthPayload struct {
	Clients []ClientStats `json:"clients"`
}

// Rollups builds the four truth child stages. Every rollup reads the
// collect stage's persisted output; a stale collect degrades the rollup
// to partial, an absent one skips it rather than inventing numbers.
type Rollups struct {
	outputs storage.OutputStore
	clk     clock.Clock
	logger  zerolog.Logger

	// WeeklyBudgetMinutes is the capacity baseline the capacity-truth
	// rollup measures committed time against.
	WeeklyBudgetMinutes int
}

// NewRollups creates the rollup set.
func NewRollups(outputs storage.OutputStore, clk clock.Clock, logger zerolog.Logger, weeklyBudgetMinutes int) *Rollups {
	return &Rollups{
		outputs:             outputs,
		clk:                 clk,
		logger:              logger.With().Str("component", "rollups").Logger(),
		WeeklyBudgetMinutes: weeklyBudgetMinutes,
	}
}

// Children returns the four rollups keyed for the truth composite.
func (r *Rollups) Children() truth.Children {
	return truth.Children{
		Time:       r.TimeTruth,
		Commitment: r.CommitmentTruth,
		Capacity:   r.CapacityTruth,
		Client:     r.ClientTruth,
	}
}

// base loads the collect payload according to the upstream contract.
// The skip outcome is non-nil when the rollup must not run.
func (r *Rollups) base(ctx context.Context, upstream map[string]models.UpstreamState) (*CollectPayload, *models.Outcome, error) {
	state := upstream["collect"]
	if state == models.UpstreamAbsent || state == "" {
		return nil, &models.Outcome{Status: models.StageSkipped, Note: "no collected data has ever been produced"}, nil
	}

	var payload CollectPayload
	err := loadOutput(ctx, r.outputs, "collect", &payload)
	if errors.Is(err, models.ErrOutputNotFound) {
		return nil, &models.Outcome{Status: models.StageSkipped, Note: "collect output missing"}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &payload, nil, nil
}

// degrade folds upstream state into a computed outcome: a rollup that ran
// with a stale or absent dependency may not report full success.
func degrade(out models.Outcome, upstream map[string]models.UpstreamState, deps ...string) models.Outcome {
	var stale, absent []string
	for _, dep := range deps {
		switch upstream[dep] {
		case models.UpstreamStale:
			stale = append(stale, dep)
		case models.UpstreamFresh:
		default:
			absent = append(absent, dep)
		}
	}
	if out.Status != models.StageSuccess {
		return out
	}
	switch {
	case len(absent) > 0:
		out.Status = models.StagePartial
		out.Note = fmt.Sprintf("computed without %s data", strings.Join(absent, ", "))
	case len(stale) > 0:
		out.Status = models.StagePartial
		out.Note = fmt.Sprintf("computed from stale %s data", strings.Join(stale, ", "))
	}
	return out
}

// TimeTruth totals tracked minutes by kind.
func (r *Rollups) TimeTruth(ctx context.Context, upstream map[string]models.UpstreamState) (models.Outcome, error) {
	payload, skip, err := r.base(ctx, upstream)
	if err != nil {
		return models.Outcome{}, err
	}
	if skip != nil {
		return *skip, nil
	}

	out := TimeTruthPayload{MinutesByKind: make(map[string]int)}
	for _, rec := range payload.Records {
		out.MinutesByKind[rec.Kind] += rec.Minutes
		out.TotalMinutes += rec.Minutes
		out.Records++
	}

	if err := saveOutput(ctx, r.outputs, truth.StageTime, r.clk.Now(), out.Records, out); err != nil {
		return models.Outcome{}, err
	}
	return degrade(models.Outcome{Status: models.StageSuccess, Items: out.Records}, upstream, "collect"), nil
}

// CommitmentTruth counts open, overdue, and closed commitments.
func (r *Rollups) CommitmentTruth(ctx context.Context, upstream map[string]models.UpstreamState) (models.Outcome, error) {
	payload, skip, err := r.base(ctx, upstream)
	if err != nil {
		return models.Outcome{}, err
	}
	if skip != nil {
		return *skip, nil
	}

	now := r.clk.Now()
	var out CommitmentTruthPayload
	counted := 0
	for _, rec := range payload.Records {
		if rec.Due == nil {
			continue
		}
		counted++
		switch {
		case rec.Done:
			out.Closed++
		case rec.Due.Before(now):
			out.Overdue++
			out.Open++
		default:
			out.Open++
		}
	}

	if err := saveOutput(ctx, r.outputs, truth.StageCommitment, now, counted, out); err != nil {
		return models.Outcome{}, err
	}
	return degrade(models.Outcome{Status: models.StageSuccess, Items: counted}, upstream, "collect"), nil
}

// CapacityTruth compares committed minutes against the weekly budget. It
// reads the time-truth rollup persisted earlier in the same cycle (or its
// last known good when time-truth failed).
func (r *Rollups) CapacityTruth(ctx context.Context, upstream map[string]models.UpstreamState) (models.Outcome, error) {
	if upstream[truth.StageTime] == models.UpstreamAbsent || upstream["collect"] == models.UpstreamAbsent {
		return models.Outcome{Status: models.StageSkipped, Note: "no time-truth data available"}, nil
	}

	var timeTruth TimeTruthPayload
	err := loadOutput(ctx, r.outputs, truth.StageTime, &timeTruth)
	if errors.Is(err, models.ErrOutputNotFound) {
		return models.Outcome{Status: models.StageSkipped, Note: "time-truth output missing"}, nil
	}
	if err != nil {
		return models.Outcome{}, err
	}

	out := CapacityTruthPayload{
		BudgetMinutes:    r.WeeklyBudgetMinutes,
		CommittedMinutes: timeTruth.TotalMinutes,
		RemainingMinutes: r.WeeklyBudgetMinutes - timeTruth.TotalMinutes,
	}

	if err := saveOutput(ctx, r.outputs, truth.StageCapacity, r.clk.Now(), 1, out); err != nil {
		return models.Outcome{}, err
	}
	return degrade(models.Outcome{Status: models.StageSuccess, Items: 1}, upstream, "collect", truth.StageTime), nil
}

// ClientTruth aggregates minutes and open commitments per client.
func (r *Rollups) ClientTruth(ctx context.Context, upstream map[string]models.UpstreamState) (models.Outcome, error) {
	payload, skip, err := r.base(ctx, upstream)
	if err != nil {
		return models.Outcome{}, err
	}
	if skip != nil {
		return *skip, nil
	}

	now := r.clk.Now()
	byClient := make(map[string]*ClientStats)
	for _, rec := range payload.Records {
		if rec.Client == "" {
			continue
		}
		st, ok := byClient[rec.Client]
		if !ok {
			st = &ClientStats{Client: rec.Client}
			byClient[rec.Client] = st
		}
		st.Minutes += rec.Minutes
		if rec.Due != nil && !rec.Done {
			st.OpenCommitments++
		}
	}

	out := ClientTruthPayload{Clients: make([]ClientStats, 0, len(byClient))}
	for _, st := range byClient {
		out.Clients = append(out.Clients, *st)
	}
	sort.Slice(out.Clients, func(i, j int) bool { return out.Clients[i].Client < out.Clients[j].Client })

	if err := saveOutput(ctx, r.outputs, truth.StageClient, now, len(out.Clients), out); err != nil {
		return models.Outcome{}, err
	}
	return degrade(
		models.Outcome{Status: models.StageSuccess, Items: len(out.Clients)},
		upstream,
		"collect", truth.StageTime, truth.StageCommitment, truth.StageCapacity,
	), nil
}
