package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/storage"
	"github.com/verityops/verity/internal/truth"
	"github.com/verityops/verity/pkg/clock"
)

// SnapshotPayload is the persisted digest of one cycle's truth state.
type SnapshotPayload struct {
	TakenAt    time.Time               `json:"taken_at"`
	CycleID    string                  `json:"cycle_id,omitempty"`
	Time       *TimeTruthPayload       `json:"time,omitempty"`
	Commitment *CommitmentTruthPayload `json:"commitment,omitempty"`
	Capacity   *CapacityTruthPayload   `json:"capacity,omitempty"`
	Client     *ClientTruthPayload     `json:"client,omitempty"`
	Missing    []string                `json:"missing,omitempty"`
}

// Snapshotter assembles the truth rollups into a single durable digest.
type Snapshotter struct {
	outputs storage.OutputStore
	clk     clock.Clock
	logger  zerolog.Logger
}

// NewSnapshotter creates the snapshot stage.
func NewSnapshotter(outputs storage.OutputStore, clk clock.Clock, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		outputs: outputs,
		clk:     clk,
		logger:  logger.With().Str("component", "snapshot").Logger(),
	}
}

// Run assembles the snapshot from the truth outputs. A stale truth
// upstream means the snapshot is built from last-known-good rollups and
// reported partial; with no truth data at all the stage skips.
func (s *Snapshotter) Run(ctx context.Context, upstream map[string]models.UpstreamState) (models.Outcome, error) {
	if upstream["truth"] == models.UpstreamAbsent || upstream["truth"] == "" {
		return models.Outcome{Status: models.StageSkipped, Note: "no truth data has ever been produced"}, nil
	}

	payload := SnapshotPayload{
		TakenAt: s.clk.Now(),
		CycleID: models.CycleIDFrom(ctx),
	}

	var timeTruth TimeTruthPayload
	var commitment CommitmentTruthPayload
	var capacity CapacityTruthPayload
	var client ClientTruthPayload

	loads := []struct {
		stage string
		into  any
		set   func()
	}{
		{truth.StageTime, &timeTruth, func() { payload.Time = &timeTruth }},
		{truth.StageCommitment, &commitment, func() { payload.Commitment = &commitment }},
		{truth.StageCapacity, &capacity, func() { payload.Capacity = &capacity }},
		{truth.StageClient, &client, func() { payload.Client = &client }},
	}
	for _, l := range loads {
		err := loadOutput(ctx, s.outputs, l.stage, l.into)
		if errors.Is(err, models.ErrOutputNotFound) {
			payload.Missing = append(payload.Missing, l.stage)
			continue
		}
		if err != nil {
			return models.Outcome{}, err
		}
		l.set()
	}

	if len(payload.Missing) == len(loads) {
		return models.Outcome{Status: models.StageSkipped, Note: "all truth outputs missing"}, nil
	}

	items := len(loads) - len(payload.Missing)
	if err := saveOutput(ctx, s.outputs, "snapshot", payload.TakenAt, items, payload); err != nil {
		return models.Outcome{}, err
	}

	out := models.Outcome{Status: models.StageSuccess, Items: items}
	if len(payload.Missing) > 0 {
		out.Status = models.StagePartial
		out.Note = fmt.Sprintf("missing rollups: %s", strings.Join(payload.Missing, ", "))
	} else if upstream["truth"] == models.UpstreamStale {
		out.Status = models.StagePartial
		out.Note = "assembled from stale truth data"
	}
	return out, nil
}
