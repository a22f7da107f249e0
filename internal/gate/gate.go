// Package gate coordinates concurrent exec invocations with exclusive
// maintenance operations (restart, write locking).
//
// Exclusive access takes the gate's lock and then waits for the in-flight
// exec counter to drain to zero. The session read loop passes through the
// same lock between messages, so no new message starts processing while an
// exclusive section holds it.
package gate

import (
	"context"
	"sync"
)

type Gate struct {
	lock chan struct{}

	mu       sync.Mutex
	inflight int
	idle     chan struct{} // closed while inflight == 0
}

func New() *Gate {
	idle := make(chan struct{})
	close(idle)
	return &Gate{
		lock: make(chan struct{}, 1),
		idle: idle,
	}
}

// Begin records one more exec in flight. Every Begin must be paired with Done.
func (g *Gate) Begin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight == 0 {
		g.idle = make(chan struct{})
	}
	g.inflight++
}

// Done records that an exec finished.
func (g *Gate) Done() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight == 0 {
		panic("gate: Done without matching Begin")
	}
	g.inflight--
	if g.inflight == 0 {
		close(g.idle)
	}
}

// InFlight returns the current number of execs in flight.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// Barrier blocks while an exclusive section holds the lock. It takes and
// immediately releases the lock; it is a checkpoint, not a critical section.
func (g *Gate) Barrier(ctx context.Context) error {
	select {
	case g.lock <- struct{}{}:
		<-g.lock
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exclusive takes the lock and then waits until no exec is in flight.
// The returned release func only unlocks; the counter is untouched.
func (g *Gate) Exclusive(ctx context.Context) (release func(), err error) {
	select {
	case g.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		<-g.lock
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-g.lock }) }, nil
}
