// Package circuitbreaker provides a per-key circuit breaker for calls to
// external dependencies (chain RPC, Telegram Bot API, price feeds).
//
// A key trips open after threshold consecutive failures, rejects calls for
// the cooldown, then lets a single probe through (half-open). A successful
// probe closes it again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while a key's circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

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
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "admarket",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "admarket",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected because the circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectedTotal)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureFilter decides which errors returned to Do count as failures.
// Errors it rejects are passed through but treated as successful calls,
// e.g. a "not found" answer from a healthy upstream.
func WithFailureFilter(f func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = f }
}

// Breaker is a per-key circuit breaker.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	isFailure func(error) bool
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures
// and probes again after cooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		isFailure: func(err error) bool { return err != nil },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn unless the circuit for key is open, and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	if err != nil && b.isFailure(err) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.cooldown {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure and trips the circuit at the threshold.
// A failed probe reopens it immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(e *entry, key string, to State) {
	if e.state == to {
		return
	}
	transitionsTotal.WithLabelValues(key, e.state.String(), to.String()).Inc()
	e.state = to
}
