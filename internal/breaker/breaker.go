// Package breaker implements per-stage circuit breaking at cycle
// granularity: counters move once per cycle based on the stage's final
// status, not per attempt.
package breaker

import (
	"sync"
)

// State of a breaker. There is no separate half-open state: an open
// breaker permits one diagnostic probe execution per cycle, and the cycle
// records the stage as skipped regardless of the probe's outcome.
type State int

const (
	// Closed lets the stage run normally.
	Closed State = iota
	// Open skips the stage (probe aside) until enough probes succeed.
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failed cycles that
	// opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successful probe
	// cycles that closes an open breaker again.
	SuccessThreshold int
	// OnStateChange, when set, is called after every transition.
	OnStateChange func(stage string, from, to State)
}

// DefaultConfig returns the production thresholds: open after 3 failed
// cycles, close after 5 clean probes.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		SuccessThreshold: 5,
	}
}

// Breaker tracks one stage across cycles.
type Breaker struct {
	mu     sync.Mutex
	cfg    *Config
	stage  string
	state  State
	fails  int // consecutive failed cycles while closed
	probes int // consecutive successful probe cycles while open
}

// New creates a breaker for a stage.
func New(stage string, cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Breaker{cfg: cfg, stage: stage}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordCycle applies the stage's final outcome for one cycle. While
// closed, failed cycles accumulate toward opening and any success resets
// the count. While open, the outcome is a probe result: successes
// accumulate toward closing, and a single probe failure zeroes the streak
// without re-opening anything (the breaker is already open).
func (b *Breaker) RecordCycle(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if !failed {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case Open:
		if failed {
			b.probes = 0
			return
		}
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.transition(Closed)
		}
	}
}

// transition changes state and zeroes all counters. Caller holds the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.fails = 0
	b.probes = 0
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.stage, from, to)
	}
}

// Restore overwrites state and failure count from persisted health data.
// Used once at startup; transitions restored this way do not fire
// OnStateChange.
func (b *Breaker) Restore(state State, fails int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.probes = 0
	b.fails = 0
	if state == Closed {
		b.fails = fails
	}
}

// Reset forces the breaker closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
	b.fails = 0
	b.probes = 0
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	State               State `json:"-"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
	ProbeSuccesses      int   `json:"probe_successes"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.fails,
		ProbeSuccesses:      b.probes,
	}
}

// Registry holds one breaker per stage name, long-lived across cycles.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
}

// NewRegistry creates a registry with a shared default config.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a stage, creating it on first use.
func (r *Registry) Get(stage string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[stage]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[stage]; ok {
		return b
	}
	b = New(stage, r.cfg)
	r.breakers[stage] = b
	return b
}

// Restore rehydrates breakers from persisted health data: open circuits
// and in-progress failure streaks survive a restart.
func (r *Registry) Restore(open []string, fails map[string]int) {
	for _, stage := range open {
		r.Get(stage).Restore(Open, 0)
	}
	opened := make(map[string]bool, len(open))
	for _, stage := range open {
		opened[stage] = true
	}
	for stage, n := range fails {
		if !opened[stage] {
			r.Get(stage).Restore(Closed, n)
		}
	}
}

// OpenStages returns the names of all currently open breakers.
func (r *Registry) OpenStages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, b := range r.breakers {
		if b.State() == Open {
			open = append(open, name)
		}
	}
	return open
}

// Snapshots returns stats for every known breaker.
func (r *Registry) Snapshots() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
