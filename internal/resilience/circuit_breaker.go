// Package resilience provides the circuit breaker that sits between the AI
// broker and the provider. A dead provider fails fast instead of burning
// the whole retry budget of every caller.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State of a circuit breaker
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call outright
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config for a circuit breaker
type Config struct {
	Name string

	// FailureThreshold consecutive failures trip the breaker
	FailureThreshold int

	// Cooldown before an open breaker admits a probe request
	Cooldown time.Duration

	// SuccessesToClose consecutive half-open successes close the breaker
	SuccessesToClose int

	// OnStateChange is called on every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used for the AI provider
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		SuccessesToClose: 2,
	}
}

// Breaker implements a consecutive-failure circuit breaker
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	probeInFlight bool
}

// New creates a breaker from config, filling zero fields with defaults
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessesToClose <= 0 {
		cfg.SuccessesToClose = def.SuccessesToClose
	}
	return &Breaker{cfg: cfg}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Allow reports whether a request may proceed. Callers must pair every
// successful Allow with exactly one Record call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
	}
	return nil
}

// Record reports the outcome of an admitted request
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	b.probeInFlight = false

	if success {
		b.failures = 0
		if state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessesToClose {
				b.transition(StateClosed, now)
			}
		}
		return
	}

	b.successes = 0
	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// Do runs fn through the breaker
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err == nil)
	return err
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transition(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	if to == StateOpen {
		b.openedAt = now
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
