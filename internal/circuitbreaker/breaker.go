package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"webcontent/reputation-service/internal/metrics"
)

// ErrOpen is returned (wrapped) when a call is rejected without reaching the backend.
var ErrOpen = errors.New("circuit breaker open")

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

type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close,
	// and the number of concurrent probes allowed while half-open.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MinimumRequestThreshold is the minimum requests seen before tripping.
	MinimumRequestThreshold int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:        5,
		SuccessThreshold:        2,
		Timeout:                 30 * time.Second,
		MinimumRequestThreshold: 3,
	}
}

// CircuitBreaker guards calls to one backend (the knowledge base or a TAXII peer).
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	state        atomic.Int32
	failures     atomic.Int64
	successes    atomic.Int64
	requests     atomic.Int64
	lastFailTime atomic.Int64 // unix nanos

	mu sync.Mutex // serialises state transitions
}

func New(name string, config Config) *CircuitBreaker {
	return newWithClock(name, config, time.Now)
}

func newWithClock(name string, config Config, now func() time.Time) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, config: config, now: now}
	cb.state.Store(int32(StateClosed))
	cb.lastFailTime.Store(now().UnixNano())
	metrics.StoreCircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	release, err := cb.Allow()
	if err != nil {
		return err
	}
	if release {
		defer cb.Release()
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Allow reports whether a call may proceed. When needsRelease is true the
// caller holds a half-open probe slot and must call Release afterwards.
func (cb *CircuitBreaker) Allow() (needsRelease bool, err error) {
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.requests.Add(1)
		return false, nil

	case StateOpen:
		elapsed := cb.now().Sub(time.Unix(0, cb.lastFailTime.Load()))
		if elapsed >= cb.config.Timeout {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateOpen {
				cb.transitionTo(StateHalfOpen)
				cb.mu.Unlock()
				cb.requests.Add(1)
				metrics.StoreCircuitHalfOpenProbes.WithLabelValues(cb.name).Inc()
				return true, nil
			}
			cb.mu.Unlock()
			return cb.Allow()
		}
		return false, fmt.Errorf("%w for %s (retry in %v)", ErrOpen, cb.name, (cb.config.Timeout - elapsed).Round(time.Second))

	case StateHalfOpen:
		if int(cb.requests.Add(1)) > cb.config.SuccessThreshold {
			cb.requests.Add(-1)
			return false, fmt.Errorf("%w for %s: probe limit reached", ErrOpen, cb.name)
		}
		metrics.StoreCircuitHalfOpenProbes.WithLabelValues(cb.name).Inc()
		return true, nil
	}
	return false, fmt.Errorf("circuit breaker %s in unknown state", cb.name)
}

// Release frees a half-open probe slot.
func (cb *CircuitBreaker) Release() {
	if State(cb.state.Load()) == StateHalfOpen {
		cb.requests.Add(-1)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.failures.Store(0)

	case StateHalfOpen:
		successes := cb.successes.Add(1)
		if int(successes) < cb.config.SuccessThreshold {
			return
		}
		cb.mu.Lock()
		if State(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateClosed)
			cb.failures.Store(0)
			cb.successes.Store(0)
			log.Info().
				Str("backend", cb.name).
				Int64("successes", successes).
				Msg("circuit breaker recovered")
		}
		cb.mu.Unlock()
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailTime.Store(cb.now().UnixNano())

	switch State(cb.state.Load()) {
	case StateClosed:
		failures := cb.failures.Add(1)
		requests := cb.requests.Load()
		if int(failures) < cb.config.FailureThreshold || int(requests) < cb.config.MinimumRequestThreshold {
			return
		}
		cb.mu.Lock()
		if State(cb.state.Load()) == StateClosed {
			cb.transitionTo(StateOpen)
			log.Error().
				Str("backend", cb.name).
				Int64("failures", failures).
				Int64("requests", requests).
				Msg("circuit breaker opened")
		}
		cb.mu.Unlock()

	case StateHalfOpen:
		// one failed probe is enough
		cb.mu.Lock()
		if State(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateOpen)
			cb.successes.Store(0)
			log.Warn().Str("backend", cb.name).Msg("circuit breaker reopened after half-open failure")
		}
		cb.mu.Unlock()

	case StateOpen:
		cb.failures.Add(1)
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := State(cb.state.Load())
	cb.state.Store(int32(newState))
	cb.requests.Store(0)

	metrics.StoreCircuitState.WithLabelValues(cb.name).Set(float64(newState))
	metrics.StoreCircuitTransitions.WithLabelValues(cb.name, oldState.String(), newState.String()).Inc()
	if newState == StateOpen {
		metrics.StoreCircuitOpens.WithLabelValues(cb.name).Inc()
	}

	log.Info().
		Str("backend", cb.name).
		Str("old_state", oldState.String()).
		Str("new_state", newState.String()).
		Msg("circuit breaker state transition")
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if State(cb.state.Load()) != StateClosed {
		cb.transitionTo(StateClosed)
	}
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.requests.Store(0)
}

// Manager hands out one breaker per backend name.
type Manager struct {
	config   Config
	breakers sync.Map // name -> *CircuitBreaker
}

func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

func (m *Manager) GetOrCreate(backend string) *CircuitBreaker {
	if val, ok := m.breakers.Load(backend); ok {
		return val.(*CircuitBreaker)
	}
	actual, loaded := m.breakers.LoadOrStore(backend, New(backend, m.config))
	if !loaded {
		log.Debug().
			Str("backend", backend).
			Int("failure_threshold", m.config.FailureThreshold).
			Dur("timeout", m.config.Timeout).
			Msg("created circuit breaker")
	}
	return actual.(*CircuitBreaker)
}

// States reports the current state of every breaker, keyed by backend.
func (m *Manager) States() map[string]string {
	out := make(map[string]string)
	m.breakers.Range(func(key, value any) bool {
		out[key.(string)] = value.(*CircuitBreaker).State().String()
		return true
	})
	return out
}
