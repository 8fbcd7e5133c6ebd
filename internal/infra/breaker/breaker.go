// Package breaker stops starting training runs on an engine that keeps
// failing, so new jobs fail fast instead of each waiting on a broken trainer.
//
//	Closed   → Threshold consecutive failures → Open
//	Open     → Cooldown elapsed → HalfOpen
//	HalfOpen → Probes successes → Closed, any failure → Open
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tutu-network/tunekit/internal/infra/metrics"
)

// State is the breaker position.
type State int

const (
	Closed   State = iota // runs start normally
	Open                  // runs are refused
	HalfOpen              // probing whether the engine recovered
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes a Breaker.
type Config struct {
	Threshold int           // consecutive failures that open the breaker (default 5)
	Cooldown  time.Duration // time open before probing (default 1m)
	Probes    int           // successes in half-open that close it (default 1)
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  time.Minute,
		Probes:    1,
	}
}

// Breaker is a circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	name      string
	config    Config
	state     State
	failures  int
	successes int // in half-open
	openedAt  time.Time
	trips     int
	now       func() time.Time
}

// New creates a closed breaker. Zero config fields take their defaults.
func New(name string, cfg Config) *Breaker {
	defaults := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = defaults.Probes
	}
	return &Breaker{name: name, config: cfg, now: time.Now}
}

// Allow reports whether a run may start.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stateLocked() == Open {
		retry := b.config.Cooldown - b.now().Sub(b.openedAt)
		return fmt.Errorf("%s: %w (retry in %s)", b.name, ErrOpen, retry.Round(time.Second))
	}
	return nil
}

// Success records a run that worked.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case HalfOpen:
		b.successes++
		if b.successes >= b.config.Probes {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

// Failure records a run the engine could not carry out. It may open the
// breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case Closed:
		b.failures++
		if b.failures >= b.config.Threshold {
			b.openLocked()
		}
	case HalfOpen:
		b.openLocked()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	Trips    int       `json:"trips"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:     b.name,
		State:    b.stateLocked(),
		Failures: b.failures,
		Trips:    b.trips,
		OpenedAt: b.openedAt,
	}
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
}

// stateLocked moves Open to HalfOpen once the cooldown has passed.
func (b *Breaker) stateLocked() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = HalfOpen
		b.successes = 0
	}
	return b.state
}

func (b *Breaker) openLocked() {
	b.state = Open
	b.openedAt = b.now()
	b.trips++
	metrics.EngineBreakerTrips.Inc()
}
