package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chatmesh/gateway/internal/logging"
)

// State is the breaker state.
type State int32

const (
	// Closed lets requests through and counts failures.
	Closed State = iota
	// Open rejects requests until the reset timeout elapses.
	Open
	// HalfOpen lets probes through; one success closes, one failure reopens.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a three-state circuit breaker for one upstream service.
type Breaker struct {
	serviceID        string
	failureThreshold int
	resetTimeout     time.Duration

	state atomic.Int32

	mu            sync.Mutex
	failureCount  int
	lastFailureAt time.Time
}

// NewBreaker creates a breaker in the Closed state.
func NewBreaker(serviceID string, failureThreshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		serviceID:        serviceID,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Allow reports whether a request may proceed. The Closed fast path is a
// single atomic load. In Open, the call that finds the reset timeout
// elapsed flips to HalfOpen and is admitted as the probe.
func (b *Breaker) Allow() bool {
	if State(b.state.Load()) == Closed {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch State(b.state.Load()) {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.lastFailureAt) >= b.resetTimeout {
			b.state.Store(int32(HalfOpen))
			logging.Info("circuit breaker half-open",
				zap.String("service", b.serviceID))
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call. A HalfOpen probe success closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch State(b.state.Load()) {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.failureCount = 0
		b.state.Store(int32(Closed))
		logging.Info("circuit breaker closed",
			zap.String("service", b.serviceID))
	}
}

// RecordFailure notes a failed call and opens the breaker when the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	switch State(b.state.Load()) {
	case Closed:
		b.failureCount++
		b.lastFailureAt = now
		if b.failureCount >= b.failureThreshold {
			b.state.Store(int32(Open))
			logging.Warn("circuit breaker opened",
				zap.String("service", b.serviceID),
				zap.Int("failures", b.failureCount))
		}
	case HalfOpen:
		b.lastFailureAt = now
		b.state.Store(int32(Open))
		logging.Warn("circuit breaker reopened",
			zap.String("service", b.serviceID))
	case Open:
		b.lastFailureAt = now
	}
}

// Table holds one breaker per upstream service, created lazily.
type Table struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	enabled          bool
	failureThreshold int
	resetTimeout     time.Duration
}

// NewTable creates a breaker table with shared parameters.
func NewTable(enabled bool, failureThreshold int, resetTimeout time.Duration) *Table {
	return &Table{
		breakers:         make(map[string]*Breaker),
		enabled:          enabled,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// Enabled reports whether breaking is active at all.
func (t *Table) Enabled() bool {
	return t.enabled
}

// Allow checks the breaker for serviceID, creating it on first reference.
// Always true when breaking is disabled.
func (t *Table) Allow(serviceID string) bool {
	if !t.enabled {
		return true
	}
	return t.get(serviceID).Allow()
}

// RecordSuccess reports a successful upstream call.
func (t *Table) RecordSuccess(serviceID string) {
	if !t.enabled {
		return
	}
	t.get(serviceID).RecordSuccess()
}

// RecordFailure reports a failed upstream call.
func (t *Table) RecordFailure(serviceID string) {
	if !t.enabled {
		return
	}
	t.get(serviceID).RecordFailure()
}

// Get returns the breaker for serviceID, or nil if none exists yet.
func (t *Table) Get(serviceID string) *Breaker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.breakers[serviceID]
}

func (t *Table) get(serviceID string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[serviceID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[serviceID]; ok {
		return b
	}
	b = NewBreaker(serviceID, t.failureThreshold, t.resetTimeout)
	t.breakers[serviceID] = b
	return b
}
