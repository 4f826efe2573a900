// Package stages provides the concrete stage implementations wired into
// the cycle: source collection, the truth rollups, snapshot assembly,
// digest delivery, and maintenance.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/storage"
	"github.com/verityops/verity/pkg/clock"
)

// Record is one unit of tracked work pulled from a source.
type Record struct {
	ID      string     `json:"id"`
	Client  string     `json:"client"`
	Kind    string     `json:"kind"`
	Minutes int        `json:"minutes"`
	Due     *time.Time `json:"due,omitempty"`
	Done    bool       `json:"done"`
}

// CollectPayload is the persisted output of the collect stage.
type CollectPayload struct {
	Sources map[string]int `json:"sources"`
	Records []Record       `json:"records"`
}

// Source is one upstream endpoint the collector pulls from.
type Source struct {
	Name string
	URL  string
}

// Collector fetches records from all configured sources. Failing sources
// degrade the result to partial; only a total blackout fails the stage.
type Collector struct {
	sources []Source
	client  *http.Client
	outputs storage.OutputStore
	clk     clock.Clock
	logger  zerolog.Logger
}

// NewCollector creates the collect stage.
func NewCollector(sources []Source, client *http.Client, outputs storage.OutputStore, clk clock.Clock, logger zerolog.Logger) *Collector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Collector{
		sources: sources,
		client:  client,
		outputs: outputs,
		clk:     clk,
		logger:  logger.With().Str("component", "collect").Logger(),
	}
}

// Run executes one collection pass.
func (c *Collector) Run(ctx context.Context, _ map[string]models.UpstreamState) (models.Outcome, error) {
	if len(c.sources) == 0 {
		return models.Outcome{}, fmt.Errorf("no sources configured")
	}

	payload := CollectPayload{Sources: make(map[string]int, len(c.sources))}
	var failed []string
	for _, src := range c.sources {
		records, err := c.fetch(ctx, src)
		if err != nil {
			c.logger.Warn().Err(err).Str("source", src.Name).Msg("Source fetch failed")
			failed = append(failed, src.Name)
			continue
		}
		payload.Sources[src.Name] = len(records)
		payload.Records = append(payload.Records, records...)
	}

	if len(failed) == len(c.sources) {
		return models.Outcome{}, fmt.Errorf("all %d sources failed: %s", len(c.sources), strings.Join(failed, ", "))
	}

	if err := saveOutput(ctx, c.outputs, "collect", c.clk.Now(), len(payload.Records), payload); err != nil {
		return models.Outcome{}, err
	}

	out := models.Outcome{Status: models.StageSuccess, Items: len(payload.Records)}
	if len(failed) > 0 {
		out.Status = models.StagePartial
		out.Note = fmt.Sprintf("sources failed: %s", strings.Join(failed, ", "))
	}
	return out, nil
}

func (c *Collector) fetch(ctx context.Context, src Source) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", src.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %s returned status %d", src.Name, resp.StatusCode)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", src.Name, err)
	}
	return records, nil
}

// saveOutput persists a stage's last-known-good output, stamped with the
// running cycle's ID.
func saveOutput(ctx context.Context, outputs storage.OutputStore, stage string, at time.Time, items int, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s output: %w", stage, err)
	}
	err = outputs.SaveStageOutput(ctx, &models.StageOutput{
		Stage:      stage,
		CycleID:    models.CycleIDFrom(ctx),
		ProducedAt: at,
		Items:      items,
		Payload:    raw,
	})
	if err != nil {
		return fmt.Errorf("persisting %s output: %w", stage, err)
	}
	return nil
}

// loadOutput fetches and decodes a stage's last-known-good output.
func loadOutput(ctx context.Context, outputs storage.OutputStore, stage string, into any) error {
	out, err := outputs.GetStageOutput(ctx, stage)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out.Payload, into); err != nil {
		return fmt.Errorf("decoding %s output: %w", stage, err)
	}
	return nil
}
