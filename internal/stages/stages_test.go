package stages

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/notify"
	"github.com/verityops/verity/internal/storage"
	"github.com/verityops/verity/internal/truth"
	"github.com/verityops/verity/pkg/clock"
)

var testTime = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func fresh(deps ...string) map[string]models.UpstreamState {
	m := make(map[string]models.UpstreamState)
	for _, d := range deps {
		m[d] = models.UpstreamFresh
	}
	return m
}

func seedCollect(t *testing.T, store storage.OutputStore, records []Record) {
	t.Helper()
	payload := CollectPayload{Sources: map[string]int{"tracker": len(records)}, Records: records}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling seed payload: %v", err)
	}
	err = store.SaveStageOutput(context.Background(), &models.StageOutput{
		Stage: "collect", ProducedAt: testTime, Items: len(records), Payload: raw,
	})
	if err != nil {
		t.Fatalf("seeding collect output: %v", err)
	}
}

func sampleRecords() []Record {
	due := testTime.Add(48 * time.Hour)
	overdue := testTime.Add(-24 * time.Hour)
	return []Record{
		{ID: "r1", Client: "acme", Kind: "build", Minutes: 120},
		{ID: "r2", Client: "acme", Kind: "review", Minutes: 30, Due: &due},
		{ID: "r3", Client: "globex", Kind: "build", Minutes: 60, Due: &overdue},
		{ID: "r4", Client: "globex", Kind: "ops", Minutes: 45, Due: &overdue, Done: true},
	}
}

func TestCollector_AllSourcesHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sampleRecords())
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	c := NewCollector(
		[]Source{{Name: "tracker", URL: srv.URL}},
		srv.Client(), store, clock.New(), zerolog.Nop(),
	)

	out, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StageSuccess || out.Items != 4 {
		t.Errorf("expected success with 4 items, got %s/%d", out.Status, out.Items)
	}

	has, _ := store.HasStageOutput(context.Background(), "collect")
	if !has {
		t.Error("expected collect output persisted")
	}
}

func TestCollector_SubsetFailureIsPartial(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sampleRecords()[:2])
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	store := storage.NewMemoryStore()
	c := NewCollector(
		[]Source{{Name: "tracker", URL: good.URL}, {Name: "calendar", URL: bad.URL}},
		nil, store, clock.New(), zerolog.Nop(),
	)

	out, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StagePartial {
		t.Errorf("expected partial, got %s", out.Status)
	}
	if !strings.Contains(out.Note, "calendar") {
		t.Errorf("expected note naming failed source, got %q", out.Note)
	}
	if out.Items != 2 {
		t.Errorf("expected 2 items from the healthy source, got %d", out.Items)
	}
}

func TestCollector_TotalBlackoutFails(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	store := storage.NewMemoryStore()
	c := NewCollector([]Source{{Name: "tracker", URL: bad.URL}}, nil, store, clock.New(), zerolog.Nop())

	_, err := c.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error when every source fails")
	}
	// No output is written on total failure: the previous last known good
	// must survive.
	has, _ := store.HasStageOutput(context.Background(), "collect")
	if has {
		t.Error("expected no output persisted on total failure")
	}
}

func newRollups(store storage.OutputStore) *Rollups {
	return NewRollups(store, clock.NewMock(testTime), zerolog.Nop(), 2400)
}

func TestTimeTruth_ComputesAndPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCollect(t, store, sampleRecords())

	out, err := newRollups(store).TimeTruth(context.Background(), fresh("collect"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StageSuccess || out.Items != 4 {
		t.Errorf("expected success/4, got %s/%d", out.Status, out.Items)
	}

	var payload TimeTruthPayload
	if err := loadOutput(context.Background(), store, truth.StageTime, &payload); err != nil {
		t.Fatalf("loading output: %v", err)
	}
	if payload.TotalMinutes != 255 {
		t.Errorf("expected 255 total minutes, got %d", payload.TotalMinutes)
	}
	if payload.MinutesByKind["build"] != 180 {
		t.Errorf("expected 180 build minutes, got %d", payload.MinutesByKind["build"])
	}
}

func TestRollups_StaleCollectIsPartial(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCollect(t, store, sampleRecords())

	out, err := newRollups(store).TimeTruth(context.Background(), map[string]models.UpstreamState{
		"collect": models.UpstreamStale,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StagePartial {
		t.Errorf("expected partial on stale collect, got %s", out.Status)
	}
	if !strings.Contains(out.Note, "stale") {
		t.Errorf("expected note mentioning staleness, got %q", out.Note)
	}
}

func TestRollups_AbsentCollectSkips(t *testing.T) {
	store := storage.NewMemoryStore()

	out, err := newRollups(store).TimeTruth(context.Background(), map[string]models.UpstreamState{
		"collect": models.UpstreamAbsent,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StageSkipped {
		t.Errorf("expected skipped on absent collect, got %s", out.Status)
	}
	// Nothing may be fabricated.
	has, _ := store.HasStageOutput(context.Background(), truth.StageTime)
	if has {
		t.Error("expected no output persisted for a skipped rollup")
	}
}

func TestCommitmentTruth_Counts(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCollect(t, store, sampleRecords())

	out, err := newRollups(store).CommitmentTruth(context.Background(), fresh("collect"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Items != 3 {
		t.Errorf("expected 3 commitments counted, got %d", out.Items)
	}

	var payload CommitmentTruthPayload
	if err := loadOutput(context.Background(), store, truth.StageCommitment, &payload); err != nil {
		t.Fatalf("loading output: %v", err)
	}
	if payload.Open != 2 || payload.Overdue != 1 || payload.Closed != 1 {
		t.Errorf("expected open=2 overdue=1 closed=1, got %+v", payload)
	}
}

func TestCapacityTruth_UsesTimeTruthOutput(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCollect(t, store, sampleRecords())
	r := newRollups(store)

	if _, err := r.TimeTruth(context.Background(), fresh("collect")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := r.CapacityTruth(context.Background(), fresh("collect", truth.StageTime))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StageSuccess {
		t.Errorf("expected success, got %s", out.Status)
	}

	var payload CapacityTruthPayload
	if err := loadOutput(context.Background(), store, truth.StageCapacity, &payload); err != nil {
		t.Fatalf("loading output: %v", err)
	}
	if payload.RemainingMinutes != 2400-255 {
		t.Errorf("expected %d remaining, got %d", 2400-255, payload.RemainingMinutes)
	}
}

func TestCapacityTruth_AbsentTimeTruthSkips(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCollect(t, store, sampleRecords())

	out, err := newRollups(store).CapacityTruth(context.Background(), map[string]models.UpstreamState{
		"collect":       models.UpstreamFresh,
		truth.StageTime: models.UpstreamAbsent,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StageSkipped {
		t.Errorf("expected skipped, got %s", out.Status)
	}
}

func TestClientTruth_Aggregates(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCollect(t, store, sampleRecords())

	out, err := newRollups(store).ClientTruth(context.Background(), fresh(
		"collect", truth.StageTime, truth.StageCommitment, truth.StageCapacity,
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Items != 2 {
		t.Errorf("expected 2 clients, got %d", out.Items)
	}

	var payload ClientTruthPayload
	if err := loadOutput(context.Background(), store, truth.StageClient, &payload); err != nil {
		t.Fatalf("loading output: %v", err)
	}
	if payload.Clients[0].Client != "acme" || payload.Clients[0].Minutes != 150 {
		t.Errorf("unexpected first client: %+v", payload.Clients[0])
	}
	if payload.Clients[1].OpenCommitments != 1 {
		t.Errorf("expected globex with 1 open commitment, got %+v", payload.Clients[1])
	}
}

func TestClientTruth_AbsentSiblingIsPartial(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCollect(t, store, sampleRecords())

	// time-truth never produced output; the aggregate still runs off the
	// collect records but may not claim full success.
	out, err := newRollups(store).ClientTruth(context.Background(), map[string]models.UpstreamState{
		"collect":             models.UpstreamFresh,
		truth.StageTime:       models.UpstreamAbsent,
		truth.StageCommitment: models.UpstreamFresh,
		truth.StageCapacity:   models.UpstreamFresh,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StagePartial {
		t.Errorf("expected partial with absent time-truth, got %s", out.Status)
	}
	if !strings.Contains(out.Note, truth.StageTime) {
		t.Errorf("expected note naming the absent dependency, got %q", out.Note)
	}
}

func seedTruthOutputs(t *testing.T, store storage.OutputStore) {
	t.Helper()
	ctx := context.Background()
	r := newRollups(store)
	seedCollect(t, store, sampleRecords())
	if _, err := r.TimeTruth(ctx, fresh("collect")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CommitmentTruth(ctx, fresh("collect")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CapacityTruth(ctx, fresh("collect", truth.StageTime)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ClientTruth(ctx, fresh("collect", truth.StageTime, truth.StageCommitment, truth.StageCapacity)); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotter_AssemblesDigest(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTruthOutputs(t, store)

	s := NewSnapshotter(store, clock.NewMock(testTime), zerolog.Nop())
	out, err := s.Run(context.Background(), fresh("truth"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StageSuccess || out.Items != 4 {
		t.Errorf("expected success/4, got %s/%d", out.Status, out.Items)
	}

	var snap SnapshotPayload
	if err := loadOutput(context.Background(), store, "snapshot", &snap); err != nil {
		t.Fatalf("loading snapshot: %v", err)
	}
	if snap.Time == nil || snap.Capacity == nil {
		t.Error("expected all rollups present in snapshot")
	}
}

func TestSnapshotter_MissingRollupIsPartial(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCollect(t, store, sampleRecords())
	r := newRollups(store)
	if _, err := r.TimeTruth(context.Background(), fresh("collect")); err != nil {
		t.Fatal(err)
	}

	s := NewSnapshotter(store, clock.NewMock(testTime), zerolog.Nop())
	out, err := s.Run(context.Background(), fresh("truth"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StagePartial {
		t.Errorf("expected partial, got %s", out.Status)
	}
	if !strings.Contains(out.Note, truth.StageClient) {
		t.Errorf("expected note listing missing rollups, got %q", out.Note)
	}
}

func TestSnapshotter_AbsentTruthSkips(t *testing.T) {
	s := NewSnapshotter(storage.NewMemoryStore(), clock.NewMock(testTime), zerolog.Nop())
	out, err := s.Run(context.Background(), map[string]models.UpstreamState{
		"truth": models.UpstreamAbsent,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StageSkipped {
		t.Errorf("expected skipped, got %s", out.Status)
	}
}

type memoryChannel struct {
	notifications []notify.Notification
	fail          bool
}

func (c *memoryChannel) Name() string { return "memory" }
func (c *memoryChannel) Send(_ context.Context, n notify.Notification) error {
	if c.fail {
		return context.DeadlineExceeded
	}
	c.notifications = append(c.notifications, n)
	return nil
}

func TestDeliverer_SendsDigest(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTruthOutputs(t, store)
	snap := NewSnapshotter(store, clock.NewMock(testTime), zerolog.Nop())
	if _, err := snap.Run(context.Background(), fresh("truth")); err != nil {
		t.Fatal(err)
	}

	ch := &memoryChannel{}
	d := NewDeliverer(notify.NewHub(zerolog.Nop(), ch), store, clock.NewMock(testTime), zerolog.Nop())

	out, err := d.Run(context.Background(), fresh("snapshot"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StageSuccess || out.Items != 1 {
		t.Errorf("expected success/1, got %s/%d", out.Status, out.Items)
	}
	if len(ch.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(ch.notifications))
	}
	msg := ch.notifications[0].Message
	if !strings.Contains(msg, "255 minutes") || !strings.Contains(msg, "overdue") {
		t.Errorf("unexpected digest: %q", msg)
	}
}

func TestDeliverer_StaleSnapshotStillDeliversPartial(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTruthOutputs(t, store)
	snap := NewSnapshotter(store, clock.NewMock(testTime), zerolog.Nop())
	if _, err := snap.Run(context.Background(), fresh("truth")); err != nil {
		t.Fatal(err)
	}

	ch := &memoryChannel{}
	d := NewDeliverer(notify.NewHub(zerolog.Nop(), ch), store, clock.NewMock(testTime), zerolog.Nop())

	out, err := d.Run(context.Background(), map[string]models.UpstreamState{
		"snapshot": models.UpstreamStale,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.StagePartial {
		t.Errorf("expected partial, got %s", out.Status)
	}
	if !strings.Contains(ch.notifications[0].Message, "last known good") {
		t.Errorf("expected staleness flagged in digest, got %q", ch.notifications[0].Message)
	}
}

func TestDeliverer_AllChannelsFailingIsError(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTruthOutputs(t, store)
	snap := NewSnapshotter(store, clock.NewMock(testTime), zerolog.Nop())
	if _, err := snap.Run(context.Background(), fresh("truth")); err != nil {
		t.Fatal(err)
	}

	d := NewDeliverer(notify.NewHub(zerolog.Nop(), &memoryChannel{fail: true}), store, clock.NewMock(testTime), zerolog.Nop())
	if _, err := d.Run(context.Background(), fresh("snapshot")); err == nil {
		t.Error("expected error when no channel accepts the digest")
	}
}

func TestMaintainer_Due(t *testing.T) {
	m, err := NewMaintainer(storage.NewMemoryStore(), "0 3 * * *", 15*time.Minute, 30*24*time.Hour, clock.NewMock(testTime), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		now  time.Time
		want bool
	}{
		{time.Date(2026, 3, 1, 3, 5, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 1, 3, 14, 59, 0, time.UTC), true},
		{time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), false},
		{time.Date(2026, 3, 1, 2, 55, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		if got := m.Due(tt.now); got != tt.want {
			t.Errorf("Due(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestMaintainer_PrunesOldCycles(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	clk := clock.NewMock(testTime)

	old := testTime.Add(-60 * 24 * time.Hour)
	recent := testTime.Add(-time.Hour)
	for _, start := range []time.Time{old, recent} {
		err := store.AppendCycle(ctx, &models.CycleResult{
			ID: models.NewCycleID(start), StartedAt: start,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	m, err := NewMaintainer(store, "0 3 * * *", 15*time.Minute, 30*24*time.Hour, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := m.Run(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Items != 1 {
		t.Errorf("expected 1 pruned cycle, got %d", out.Items)
	}
	remaining, _ := store.ListCycles(ctx, 0)
	if len(remaining) != 1 {
		t.Errorf("expected 1 cycle remaining, got %d", len(remaining))
	}
}
