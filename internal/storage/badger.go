package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/models"
)

const (
	cyclePrefix  = "cycles/"
	outputPrefix = "outputs/"
	healthKey    = "health"
)

// BadgerStore is a durable Store backed by BadgerDB. Cycle keys embed the
// time-prefixed cycle ID, so lexical key order is chronological.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
	stopGC chan struct{}
}

// NewBadgerStore opens (or creates) a Badger database at path. Writes are
// synchronous: health state must survive a crash mid-cycle.
func NewBadgerStore(path string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", path, err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
		stopGC: make(chan struct{}),
	}
	go s.gcLoop()
	return s, nil
}

// gcLoop periodically reclaims value log space.
func (s *BadgerStore) gcLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		case <-s.stopGC:
			return
		}
	}
}

func (s *BadgerStore) AppendCycle(_ context.Context, cycle *models.CycleResult) error {
	data, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("marshaling cycle %s: %w", cycle.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cyclePrefix+cycle.ID), data)
	})
	if err != nil {
		return fmt.Errorf("persisting cycle %s: %w", cycle.ID, err)
	}
	return nil
}

func (s *BadgerStore) GetCycle(_ context.Context, id string) (*models.CycleResult, error) {
	var cycle models.CycleResult
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cyclePrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cycle)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading cycle %s: %w", id, err)
	}
	return &cycle, nil
}

func (s *BadgerStore) ListCycles(_ context.Context, limit int) ([]*models.CycleResult, error) {
	var cycles []*models.CycleResult
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(cyclePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the prefix range to land on the
		// newest key.
		seek := append([]byte(cyclePrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(cyclePrefix)); it.Next() {
			if limit > 0 && len(cycles) >= limit {
				break
			}
			var cycle models.CycleResult
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cycle)
			})
			if err != nil {
				return err
			}
			cycles = append(cycles, &cycle)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing cycles: %w", err)
	}
	return cycles, nil
}

func (s *BadgerStore) PruneCycles(_ context.Context, before time.Time) (int, error) {
	// Collect victims in a read pass, then delete in batches. Cycle IDs
	// start with the cycle's UTC start time, so the scan can stop at the
	// first key at or past the cutoff.
	cutoff := cyclePrefix + before.UTC().Format("20060102T150405Z")
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(cyclePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(cyclePrefix)); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= cutoff {
				break
			}
			victims = append(victims, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning cycles for prune: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range victims {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("pruning cycles: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("pruning cycles: %w", err)
	}
	return len(victims), nil
}

func (s *BadgerStore) SaveHealth(_ context.Context, health *models.HealthState) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("marshaling health state: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(healthKey), data)
	})
	if err != nil {
		return fmt.Errorf("persisting health state: %w", err)
	}
	return nil
}

func (s *BadgerStore) LoadHealth(_ context.Context) (*models.HealthState, error) {
	var health models.HealthState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(healthKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &health)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrHealthNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading health state: %w", err)
	}
	if health.ConsecutiveFailures == nil {
		health.ConsecutiveFailures = make(map[string]int)
	}
	return &health, nil
}

func (s *BadgerStore) SaveStageOutput(_ context.Context, output *models.StageOutput) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshaling output for stage %s: %w", output.Stage, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(outputPrefix+output.Stage), data)
	})
	if err != nil {
		return fmt.Errorf("persisting output for stage %s: %w", output.Stage, err)
	}
	return nil
}

func (s *BadgerStore) GetStageOutput(_ context.Context, stage string) (*models.StageOutput, error) {
	var output models.StageOutput
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(outputPrefix + stage))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &output)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrOutputNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading output for stage %s: %w", stage, err)
	}
	return &output, nil
}

func (s *BadgerStore) HasStageOutput(_ context.Context, stage string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(outputPrefix + stage))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking output for stage %s: %w", stage, err)
	}
	return true, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

var (
	_ Store = (*BadgerStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
