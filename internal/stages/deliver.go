package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/notify"
	"github.com/verityops/verity/internal/storage"
	"github.com/verityops/verity/pkg/clock"
)

// Deliverer is the notify stage: it turns the snapshot into a digest
// notification and pushes it through the hub.
type Deliverer struct {
	hub     *notify.Hub
	outputs storage.OutputStore
	clk     clock.Clock
	logger  zerolog.Logger
}

// NewDeliverer creates the notify stage.
func NewDeliverer(hub *notify.Hub, outputs storage.OutputStore, clk clock.Clock, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		hub:     hub,
		outputs: outputs,
		clk:     clk,
		logger:  logger.With().Str("component", "deliver").Logger(),
	}
}

// Run sends the cycle digest. A stale snapshot is still worth sending,
// flagged as such; no snapshot at all means nothing to say.
func (d *Deliverer) Run(ctx context.Context, upstream map[string]models.UpstreamState) (models.Outcome, error) {
	state := upstream["snapshot"]
	if state == models.UpstreamAbsent || state == "" {
		return models.Outcome{Status: models.StageSkipped, Note: "no snapshot has ever been produced"}, nil
	}

	var snap SnapshotPayload
	err := loadOutput(ctx, d.outputs, "snapshot", &snap)
	if errors.Is(err, models.ErrOutputNotFound) {
		return models.Outcome{Status: models.StageSkipped, Note: "snapshot output missing"}, nil
	}
	if err != nil {
		return models.Outcome{}, err
	}

	if d.hub.Channels() == 0 {
		return models.Outcome{Status: models.StageSuccess, Note: "no notification channels configured"}, nil
	}

	n := notify.Notification{
		Title:     "Cycle digest",
		Message:   digest(&snap, state == models.UpstreamStale),
		Severity:  notify.SeverityInfo,
		CycleID:   models.CycleIDFrom(ctx),
		Timestamp: d.clk.Now(),
	}

	delivered, sendErr := d.hub.Send(ctx, n)
	if delivered == 0 {
		return models.Outcome{}, fmt.Errorf("digest delivery failed on all channels: %w", sendErr)
	}

	out := models.Outcome{Status: models.StageSuccess, Items: delivered}
	if sendErr != nil {
		out.Status = models.StagePartial
		out.Note = fmt.Sprintf("delivered to %d of %d channels", delivered, d.hub.Channels())
	} else if state == models.UpstreamStale {
		out.Status = models.StagePartial
		out.Note = "digest built from stale snapshot"
	}
	return out, nil
}

func digest(snap *SnapshotPayload, stale bool) string {
	msg := fmt.Sprintf("Snapshot taken %s.", snap.TakenAt.Format("2006-01-02 15:04 MST"))
	if snap.Time != nil {
		msg += fmt.Sprintf(" Tracked %d minutes across %d records.", snap.Time.TotalMinutes, snap.Time.Records)
	}
	if snap.Commitment != nil {
		msg += fmt.Sprintf(" Commitments: %d open, %d overdue.", snap.Commitment.Open, snap.Commitment.Overdue)
	}
	if snap.Capacity != nil {
		msg += fmt.Sprintf(" Capacity: %d of %d minutes remaining.", snap.Capacity.RemainingMinutes, snap.Capacity.BudgetMinutes)
	}
	if snap.Client != nil {
		msg += fmt.Sprintf(" Active clients: %d.", len(snap.Client.Clients))
	}
	if stale {
		msg += " (built from last known good data)"
	}
	return msg
}
