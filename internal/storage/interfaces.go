// Package storage defines persistence interfaces for cycle history, health
// state, and last-known-good stage outputs, with in-memory and Badger
// implementations.
package storage

import (
	"context"
	"time"

	"github.com/verityops/verity/internal/models"
)

// CycleStore persists completed cycle results.
type CycleStore interface {
	// AppendCycle records a finished cycle. Cycle IDs sort
	// chronologically, so history listing needs no secondary index.
	AppendCycle(ctx context.Context, cycle *models.CycleResult) error

	// GetCycle retrieves a cycle by ID. Returns ErrCycleNotFound if absent.
	GetCycle(ctx context.Context, id string) (*models.CycleResult, error)

	// ListCycles returns up to limit of the most recent cycles, newest
	// first. limit <= 0 means no limit.
	ListCycles(ctx context.Context, limit int) ([]*models.CycleResult, error)

	// PruneCycles deletes cycles started before the cutoff and reports how
	// many were removed.
	PruneCycles(ctx context.Context, before time.Time) (int, error)
}

// HealthStore persists the orchestrator's health state across restarts.
type HealthStore interface {
	// SaveHealth overwrites the stored health state.
	SaveHealth(ctx context.Context, health *models.HealthState) error

	// LoadHealth returns the stored health state, or ErrHealthNotFound if
	// none was ever saved.
	LoadHealth(ctx context.Context) (*models.HealthState, error)
}

// OutputStore persists each stage's last successful output so downstream
// stages can fall back to it when the producer fails.
type OutputStore interface {
	// SaveStageOutput overwrites the last-known-good output for a stage.
	SaveStageOutput(ctx context.Context, output *models.StageOutput) error

	// GetStageOutput returns the last-known-good output for a stage, or
	// ErrOutputNotFound if the stage never produced one.
	GetStageOutput(ctx context.Context, stage string) (*models.StageOutput, error)

	// HasStageOutput reports whether a last-known-good output exists.
	HasStageOutput(ctx context.Context, stage string) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	CycleStore
	HealthStore
	OutputStore

	// Close releases underlying resources.
	Close() error
}
