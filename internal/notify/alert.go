package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/verityops/verity/internal/models"
)

// Alerter watches finished cycles and pushes an alert when one comes back
// degraded or unhealthy. It implements orchestrator.Observer.
type Alerter struct {
	hub     *Hub
	timeout time.Duration
}

// NewAlerter creates an Alerter delivering through hub.
func NewAlerter(hub *Hub) *Alerter {
	return &Alerter{hub: hub, timeout: 15 * time.Second}
}

// CycleFinished sends an alert for degraded and unhealthy cycles. Healthy
// cycles are silent.
func (a *Alerter) CycleFinished(cycle *models.CycleResult, health models.HealthState) {
	if cycle.Healthy() && !cycle.Degraded {
		return
	}

	severity := SeverityWarning
	title := "Cycle completed degraded"
	if !cycle.Healthy() {
		severity = SeverityCritical
		title = "Cycle completed with failures"
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	a.hub.Send(ctx, Notification{
		Title:     title,
		Message:   describe(cycle, health),
		Severity:  severity,
		CycleID:   cycle.ID,
		Timestamp: cycle.FinishedAt,
	})
}

func describe(cycle *models.CycleResult, health models.HealthState) string {
	var parts []string
	for _, r := range cycle.Results {
		switch {
		case r.Failed():
			parts = append(parts, fmt.Sprintf("%s failed: %s", r.Name, r.Error))
		case r.Reason == models.ReasonCircuitOpen:
			parts = append(parts, fmt.Sprintf("%s skipped (circuit open)", r.Name))
		case len(r.StaleUpstream) > 0:
			parts = append(parts, fmt.Sprintf("%s ran on stale data from %s", r.Name, strings.Join(r.StaleUpstream, ", ")))
		}
	}
	if len(health.CircuitOpen) > 0 {
		parts = append(parts, fmt.Sprintf("open circuits: %s", strings.Join(health.CircuitOpen, ", ")))
	}
	if len(parts) == 0 {
		return "cycle degraded"
	}
	return strings.Join(parts, "; ")
}
