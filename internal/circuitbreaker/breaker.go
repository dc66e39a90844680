// Package circuitbreaker stops calling an exchange that keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"saldo/pkg/core"
)

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

type Config struct {
	FailThreshold    int           `json:"fail_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// Breaker counts consecutive upstream failures. Only failures that say
// something about the exchange's health (network, timeout, server) count;
// a rejected credential or a malformed request proves the exchange answered.
type Breaker struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	metrics Metrics
}

type Metrics struct {
	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	rejected        atomic.Int64
	stateChanges    atomic.Int32
}

func New(config Config) *Breaker {
	return &Breaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether a request may be sent. An open breaker lets a
// probe through once Timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.metrics.totalRequests.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.config.Timeout {
			b.metrics.rejected.Add(1)
			return false
		}
		b.transitionTo(StateHalfOpen)
	}
	return true
}

// Record feeds the outcome of a request allowed by Allow.
func (b *Breaker) Record(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !countsAsFailure(err) {
		b.metrics.successRequests.Add(1)
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transitionTo(StateClosed)
			}
		}
		return
	}

	b.metrics.failedRequests.Add(1)
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var e *core.ExchangeError
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case core.ErrorTypeNetwork, core.ErrorTypeTimeout, core.ErrorTypeServerError:
		return true
	default:
		return false
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.transitionTo(StateOpen)
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}
	b.state = newState
	b.failures = 0
	b.successes = 0
	b.metrics.stateChanges.Add(1)
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:   b.metrics.totalRequests.Load(),
		SuccessRequests: b.metrics.successRequests.Load(),
		FailedRequests:  b.metrics.failedRequests.Load(),
		Rejected:        b.metrics.rejected.Load(),
		StateChanges:    b.metrics.stateChanges.Load(),
		CurrentState:    b.State().String(),
	}
}

type MetricsSnapshot struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	Rejected        int64
	StateChanges    int32
	CurrentState    string
}
