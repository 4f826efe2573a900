package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/storage"
	"github.com/verityops/verity/pkg/clock"
)

// Maintainer prunes old cycle history. It runs inside the regular cycle
// but only when its cron window has fired since the previous cycle.
type Maintainer struct {
	cycles    storage.CycleStore
	schedule  cron.Schedule
	window    time.Duration
	retention time.Duration
	clk       clock.Clock
	logger    zerolog.Logger
}

// NewMaintainer creates the maintenance stage. spec is a standard 5-field
// cron expression; window is the cycle interval, used to decide whether
// the schedule fired since the last pass.
func NewMaintainer(cycles storage.CycleStore, spec string, window, retention time.Duration, clk clock.Clock, logger zerolog.Logger) (*Maintainer, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing maintenance schedule %q: %w", spec, err)
	}
	return &Maintainer{
		cycles:    cycles,
		schedule:  sched,
		window:    window,
		retention: retention,
		clk:       clk,
		logger:    logger.With().Str("component", "maintenance").Logger(),
	}, nil
}

// Due reports whether the schedule fired within the last window. Used as
// the stage gate.
func (m *Maintainer) Due(now time.Time) bool {
	next := m.schedule.Next(now.Add(-m.window))
	return !next.After(now)
}

// Run prunes cycles older than the retention horizon.
func (m *Maintainer) Run(ctx context.Context, _ map[string]models.UpstreamState) (models.Outcome, error) {
	cutoff := m.clk.Now().Add(-m.retention)
	pruned, err := m.cycles.PruneCycles(ctx, cutoff)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("pruning cycle history: %w", err)
	}

	m.logger.Info().
		Int("pruned", pruned).
		Time("cutoff", cutoff).
		Msg("Maintenance pass complete")

	return models.Outcome{
		Status: models.StageSuccess,
		Items:  pruned,
		Note:   fmt.Sprintf("pruned %d cycles older than %s", pruned, m.retention),
	}, nil
}
