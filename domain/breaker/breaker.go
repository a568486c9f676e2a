// Package breaker implements the circuit breaker protecting calls to
// external dependencies. After a run of consecutive failures the
// circuit opens and calls fail fast for a cool-down period; a single
// probe is then admitted, and its outcome decides between closing the
// circuit and re-opening it with a doubled cool-down.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when a call is blocked by an open circuit.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls flow normally.
	StateClosed State = iota
	// StateOpen means calls are blocked.
	StateOpen
	// StateHalfOpen means a probe is testing whether the dependency
	// has recovered.
	StateHalfOpen
)

// String returns the state as a string.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures the circuit breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive transient failures
	// before the circuit opens.
	FailureThreshold int
	// SuccessThreshold is the number of probe successes needed to
	// close from half-open.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open after the first
	// trip. Each re-open from half-open doubles it.
	Cooldown time.Duration
	// MaxCooldown caps the doubling.
	MaxCooldown time.Duration
	// IsTransient classifies errors. Non-transient errors pass through
	// to the caller without counting toward the failure threshold.
	// nil treats every error as transient.
	IsTransient func(error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	return c
}

// Breaker guards one external dependency. Safe for concurrent use.
type Breaker struct {
	mu   sync.Mutex
	cfg  Config
	name string

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	cooldown             time.Duration
	openedAt             time.Time
	probeInFlight        bool
	totalTrips           int64

	now           func() time.Time
	onStateChange func(name string, from, to State)
}

// New creates a circuit breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		name:     name,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// OnStateChange registers a callback invoked after every state
// transition. The callback runs outside the breaker's lock and must
// not block for long; it is where logging and metrics attach.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Do runs op under the breaker. It returns ErrOpen without invoking op
// when the circuit is open, otherwise op's own error. Half-open admits
// exactly one probe; concurrent calls during the probe get ErrOpen.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time summary for health reporting.
type Status struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"cooldown"`
	RetryIn             time.Duration `json:"retry_in,omitempty"`
	TotalTrips          int64         `json:"total_trips"`
}

// GetStatus returns the current status.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Cooldown:            b.cooldown,
		TotalTrips:          b.totalTrips,
	}
	if b.state == StateOpen {
		if retryIn := b.cooldown - b.now().Sub(b.openedAt); retryIn > 0 {
			st.RetryIn = retryIn
		}
	}
	return st
}

// Reset forces the breaker back to closed with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	fire := b.setState(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.cooldown = b.cfg.Cooldown
	b.probeInFlight = false
	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	var fire func()
	defer func() {
		b.mu.Unlock()
		if fire != nil {
			fire()
		}
	}()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		fire = b.setState(StateHalfOpen)
		b.probeInFlight = true
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil

	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	switch {
	case err == nil:
		b.recordSuccess()
	case b.transient(err):
		b.recordFailure()
	default:
		// A non-transient error says nothing about dependency health.
		// Release the probe slot so the next call can test again.
		b.mu.Lock()
		if b.state == StateHalfOpen {
			b.probeInFlight = false
		}
		b.mu.Unlock()
	}
}

func (b *Breaker) transient(err error) bool {
	if b.cfg.IsTransient == nil {
		return true
	}
	return b.cfg.IsTransient(err)
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	var fire func()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			fire = b.setState(StateClosed)
			b.consecutiveSuccesses = 0
			b.cooldown = b.cfg.Cooldown
		}
	}

	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	var fire func()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			fire = b.trip()
		}

	case StateHalfOpen:
		// A failed probe re-opens with a doubled cool-down.
		b.probeInFlight = false
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		fire = b.trip()
	}

	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// trip opens the circuit. Caller holds the lock.
func (b *Breaker) trip() func() {
	fire := b.setState(StateOpen)
	b.openedAt = b.now()
	b.probeInFlight = false
	b.totalTrips++
	return fire
}

// setState changes the state and returns the state-change callback to
// run once the lock is released, or nil. Caller holds the lock.
func (b *Breaker) setState(to State) func() {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	if b.onStateChange == nil {
		return nil
	}
	fn, name := b.onStateChange, b.name
	return func() { fn(name, from, to) }
}
