// Package breaker implements the per-capsule circuit breaker state
// machine: CLOSED until a run of consecutive failures, OPEN for a
// cooldown during which calls fail fast, then a single HALF_OPEN trial
// that decides between closing and reopening.
package breaker

import (
	"sync"
	"time"
)

// State of one breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Defaults for the trip threshold and cooldown.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 5 * time.Minute
)

// Clock is injectable time, so tests drive cooldown expiry directly.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config holds breaker tuning shared by all capsule IDs.
type Config struct {
	Threshold int           // consecutive failures before tripping
	Cooldown  time.Duration // OPEN duration before a trial is admitted
	Clock     Clock
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Clock == nil {
		c.Clock = wallClock{}
	}
	return c
}

// Breaker guards a single capsule ID. All transitions happen under the
// mutex; the HALF_OPEN trial admission is a check-and-set inside Allow,
// so at most one trial is ever in flight.
type Breaker struct {
	mu sync.Mutex

	cfg                 Config
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// New creates a CLOSED breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether an invocation may proceed. In OPEN state the
// first caller arriving after the cooldown flips the breaker to
// HALF_OPEN and becomes the trial; everyone else fails fast until the
// trial completes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.cfg.Clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = StateHalfOpen
			b.trialInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess marks a completed successful invocation. A successful
// HALF_OPEN trial closes the breaker and clears the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.consecutiveFailures = 0
		b.trialInFlight = false
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure marks a completed failed invocation. A failed trial
// reopens the breaker and restarts the cooldown clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.cfg.Clock.Now()
		b.trialInFlight = false
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = b.cfg.Clock.Now()
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns state and consecutive-failure count together, for
// gauges and diagnostics.
func (b *Breaker) Snapshot() (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.consecutiveFailures
}

// Set manages one breaker per capsule ID, created lazily on first use.
// Breakers are independent; a failing capsule never serializes or trips
// an unrelated one.
type Set struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set.
func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg.withDefaults(), breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a capsule ID, creating it CLOSED on
// first use. Breaker state lives for the process lifetime and survives
// registry re-discovery.
func (s *Set) Get(id string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[id]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[id]; ok {
		return b
	}
	b = New(s.cfg)
	s.breakers[id] = b
	return b
}

// States returns a snapshot of every breaker's state, for the gauge.
func (s *Set) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.State()
	}
	return out
}
