// Package circuitbreaker stops calls to an endpoint after repeated failures
// and lets a single probe through once a cooldown has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type endpoint struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks failures per endpoint key. A zero threshold disables it.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow returns ErrCircuitOpen while the endpoint is open, or while a
// half-open probe is outstanding.
func (b *Breaker) Allow(key string) error {
	if b == nil || b.threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if !ok {
		return nil
	}
	switch e.state {
	case Open:
		if b.now().Sub(e.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		e.state = HalfOpen
		return nil
	case HalfOpen:
		return ErrCircuitOpen
	}
	return nil
}

// Success closes the endpoint and clears its failure count.
func (b *Breaker) Success(key string) {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, key)
}

// Failure counts a failed call. Reaching the threshold, or failing the
// half-open probe, opens the endpoint.
func (b *Breaker) Failure(key string) {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if !ok {
		e = &endpoint{}
		b.endpoints[key] = e
	}
	e.failures++
	if e.state == HalfOpen || e.failures >= b.threshold {
		e.state = Open
		e.openedAt = b.now()
	}
}

func (b *Breaker) State(key string) State {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.endpoints[key]; ok {
		return e.state
	}
	return Closed
}
