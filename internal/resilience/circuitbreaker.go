// Package resilience keeps the speech pipeline usable while individual
// providers misbehave. Every STT or TTS backend is guarded by a
// [CircuitBreaker], and a [FallbackGroup] chains backends of one kind so a
// tripped primary (a whisper model that stopped loading, an ElevenLabs quota
// error) is bypassed in favour of the next healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// successes close the breaker; a single failure re-opens it.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields get defaults.
type CircuitBreakerConfig struct {
	// Name identifies the guarded provider in logs ("whisper", "piper").
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is the cooldown before a tripped breaker starts probing
	// again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls admitted while half-open; that many
	// successes close the breaker. Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is invoked on every transition. It runs with
	// the breaker's lock held and must not call back into the breaker.
	OnStateChange func(from, to State)
}

// CircuitBreaker is a three-state breaker guarding one provider.
type CircuitBreaker struct {
	name     string
	failMax  int
	cooldown time.Duration
	probeMax int
	onChange func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewCircuitBreaker creates a closed breaker from cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:     cfg.Name,
		failMax:  cfg.MaxFailures,
		cooldown: cfg.ResetTimeout,
		probeMax: cfg.HalfOpenMax,
		onChange: cfg.OnStateChange,
	}
}

// Execute runs fn unless the breaker rejects the call, and folds the outcome
// into the failure accounting. While open it returns [ErrCircuitOpen] without
// touching the provider at all, which is what lets an utterance fail over to
// the next backend with no added latency.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(err, probe)
	return err
}

// admit decides whether a call may proceed and whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			return false, ErrCircuitOpen
		}
		cb.shift(StateHalfOpen)
		cb.probes = 0
		cb.probeOK = 0
	case StateHalfOpen:
		if cb.probes >= cb.probeMax {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if !probe {
			cb.failures = 0
			return
		}
		cb.probeOK++
		if cb.probeOK >= cb.probeMax {
			cb.failures = 0
			cb.shift(StateClosed)
		}
		return
	}

	cb.openedAt = time.Now()
	if probe {
		// One failed probe re-opens for a full cooldown.
		cb.failures = cb.failMax
		cb.shift(StateOpen)
		return
	}
	cb.failures++
	if cb.failures >= cb.failMax {
		cb.shift(StateOpen)
	}
}

// shift transitions the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) shift(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		slog.Warn("provider breaker opened",
			"provider", cb.name, "failures", cb.failures)
	case StateHalfOpen:
		slog.Info("provider breaker probing", "provider", cb.name)
	case StateClosed:
		slog.Info("provider breaker closed", "provider", cb.name)
	}
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the actual transition happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters, for example after
// an operator swapped the provider's credentials.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	cb.shift(StateClosed)
}
