package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/verityops/verity/internal/models"
)

// MemoryStore is an in-memory Store for tests and for degraded startup
// when the durable store cannot be opened. All methods copy on read and
// write so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	cycles  map[string]*models.CycleResult
	health  *models.HealthState
	outputs map[string]*models.StageOutput
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cycles:  make(map[string]*models.CycleResult),
		outputs: make(map[string]*models.StageOutput),
	}
}

func (s *MemoryStore) AppendCycle(_ context.Context, cycle *models.CycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[cycle.ID] = copyCycle(cycle)
	return nil
}

func (s *MemoryStore) GetCycle(_ context.Context, id string) (*models.CycleResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[id]
	if !ok {
		return nil, models.ErrCycleNotFound
	}
	return copyCycle(c), nil
}

func (s *MemoryStore) ListCycles(_ context.Context, limit int) ([]*models.CycleResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.CycleResult, 0, len(s.cycles))
	for _, c := range s.cycles {
		out = append(out, copyCycle(c))
	}
	// IDs are time-prefixed, so lexical order is chronological.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PruneCycles(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, c := range s.cycles {
		if c.StartedAt.Before(before) {
			delete(s.cycles, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) SaveHealth(_ context.Context, health *models.HealthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hc := health.Clone()
	s.health = &hc
	return nil
}

func (s *MemoryStore) LoadHealth(_ context.Context) (*models.HealthState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.health == nil {
		return nil, models.ErrHealthNotFound
	}
	hc := s.health.Clone()
	return &hc, nil
}

func (s *MemoryStore) SaveStageOutput(_ context.Context, output *models.StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[output.Stage] = copyOutput(output)
	return nil
}

func (s *MemoryStore) GetStageOutput(_ context.Context, stage string) (*models.StageOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outputs[stage]
	if !ok {
		return nil, models.ErrOutputNotFound
	}
	return copyOutput(o), nil
}

func (s *MemoryStore) HasStageOutput(_ context.Context, stage string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.outputs[stage]
	return ok, nil
}

func (s *MemoryStore) Close() error { return nil }

// Reset clears all data. Test helper.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = make(map[string]*models.CycleResult)
	s.health = nil
	s.outputs = make(map[string]*models.StageOutput)
}

func copyCycle(c *models.CycleResult) *models.CycleResult {
	cp := *c
	cp.Results = copyResults(c.Results)
	return &cp
}

func copyResults(in []models.JobResult) []models.JobResult {
	if in == nil {
		return nil
	}
	out := make([]models.JobResult, len(in))
	for i, r := range in {
		out[i] = r
		out[i].StaleUpstream = append([]string(nil), r.StaleUpstream...)
		out[i].Children = copyResults(r.Children)
	}
	return out
}

func copyOutput(o *models.StageOutput) *models.StageOutput {
	cp := *o
	cp.Payload = append([]byte(nil), o.Payload...)
	return &cp
}
