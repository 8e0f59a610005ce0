package adamboot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Gate is the part of the access token a runtime needs in order to give up
// and take back exclusive access while a script is parked in its event loop.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

// Token is the exclusive access token for the Python runtime.
// At most one goroutine holds it; every interaction with the runtime happens
// while holding it. Unlike sync.Mutex, acquisition honours a context.
type Token struct {
	sem chan struct{}

	acquired atomic.Int64
	released atomic.Int64
}

// NewToken returns an unheld token.
func NewToken() *Token {
	return &Token{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the token is free or ctx is done.
func (t *Token) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.sem <- struct{}{}:
		t.acquired.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the token without blocking.
func (t *Token) TryAcquire() bool {
	select {
	case t.sem <- struct{}{}:
		t.acquired.Add(1)
		return true
	default:
		return false
	}
}

// Release gives the token back. Releasing an unheld token panics.
func (t *Token) Release() {
	select {
	case <-t.sem:
		t.released.Add(1)
	default:
		panic("adamboot: release of unheld access token")
	}
}

// Counts returns how many times the token was acquired and released.
func (t *Token) Counts() (acquired, released int64) {
	return t.acquired.Load(), t.released.Load()
}

// heldGate tracks whether its owner currently holds the token, so the owner
// can release exactly once on the way out no matter how often the runtime
// yielded in between.
type heldGate struct {
	t    *Token
	mu   sync.Mutex
	held bool
}

func (g *heldGate) Acquire(ctx context.Context) error {
	if err := g.t.Acquire(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	g.held = true
	g.mu.Unlock()
	return nil
}

func (g *heldGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return
	}
	g.held = false
	g.t.Release()
}

// StopState holds the stop factor shared by the handlers, the worker and
// the shutdown sequence.
type StopState struct {
	mu     sync.Mutex
	factor StopFactor
}

func (s *StopState) Set(f StopFactor) {
	s.mu.Lock()
	s.factor = f
	s.mu.Unlock()
}

func (s *StopState) Get() StopFactor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factor
}

// Clock is the time source used for bounded waits.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}
