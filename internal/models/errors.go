package models

import "errors"

// Common errors.
var (
	ErrCycleInProgress   = errors.New("a cycle is already in progress")
	ErrCycleNotFound     = errors.New("cycle not found")
	ErrHealthNotFound    = errors.New("no persisted health state")
	ErrOutputNotFound    = errors.New("stage output not found")
	ErrStageNotFound     = errors.New("stage not found")
	ErrDuplicateStage    = errors.New("duplicate stage name")
	ErrUnknownDependency = errors.New("dependency does not name an earlier stage")
)
