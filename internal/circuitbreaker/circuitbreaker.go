// Package circuitbreaker guards the dispatcher's push path. When deliveries
// toward one target kind keep timing out, the breaker opens and the
// dispatcher reschedules work immediately instead of burning the full
// acknowledgment timeout on every attempt.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
// State transitions:
//
//	Closed -> Open:      failure count reaches the threshold
//	Open -> HalfOpen:    recovery timeout expires
//	HalfOpen -> Closed:  probe delivery succeeds
//	HalfOpen -> Open:    probe delivery fails
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripped, deliveries fail fast
	StateHalfOpen              // single probe allowed through
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

// ErrOpen is returned when the breaker rejects a delivery attempt.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker tuning.
type Config struct {
	// Name identifies the breaker (one per target kind).
	Name string

	// MaxFailures is the consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to stay open before probing.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the engine's defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}
}

// Breaker is a mutex-guarded circuit breaker.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	state           State
	failureCount    int
	lastFailureTime time.Time
	probing         bool

	totalRejected int64
}

// New creates a Breaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		config: cfg,
		logger: logger,
		state:  StateClosed,
	}
}

// Allow reports whether a delivery attempt may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.state = StateHalfOpen
			b.probing = true
			b.logger.Info("circuit breaker allowing probe",
				zap.String("name", b.config.Name),
			)
			return true
		}
		b.totalRejected++
		return false

	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		b.totalRejected++
		return false

	default:
		return false
	}
}

// RecordSuccess clears the failure streak; in half-open it closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.probing = false

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.logger.Info("circuit breaker closed, deliveries recovered",
			zap.String("name", b.config.Name),
		)
	}
}

// RecordFailure counts a failed delivery; opens the circuit at the
// threshold or immediately after a failed probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()
	b.probing = false

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.MaxFailures {
			b.state = StateOpen
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failureCount),
			)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", b.config.Name),
		)
	}
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
