// Package fakeclock provides a controllable Clock implementation for testing.
package fakeclock

import (
	"sync"
	"time"

	"github.com/acolita/ptyexpect/internal/ports"
)

// Clock is a fake clock that only moves when Advance is called.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
	tickers []*fakeTicker
	// signalled every time After or NewTicker registers a waiter
	registered chan struct{}
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// New creates a new fake clock initialized to the given time.
func New(initial time.Time) *Clock {
	return &Clock{
		current:    initial,
		registered: make(chan struct{}, 1024),
	}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep returns immediately. Use Advance to simulate time passing.
func (c *Clock) Sleep(d time.Duration) {}

// After returns a channel that fires once Advance moves the clock past
// now+d. A non-positive d fires immediately.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.current.Add(d)
	if !c.current.Before(deadline) {
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})
	c.notify()
	return ch
}

// NewTicker returns a ticker that ticks on Advance.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTicker{
		interval: d,
		next:     c.current.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, t)
	c.notify()
	return t
}

func (c *Clock) notify() {
	select {
	case c.registered <- struct{}{}:
	default:
	}
}

// BlockUntilWaiters blocks until at least n After or NewTicker calls have
// been made since the clock was created. Tests use it to advance time only
// once the code under test is actually waiting.
func (c *Clock) BlockUntilWaiters(n int) {
	for i := 0; i < n; i++ {
		<-c.registered
	}
}

// Advance moves the clock forward by d, firing expired waiters and
// ticking any live tickers.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	now := c.current

	var remaining []waiter
	for _, w := range c.waiters {
		if now.Before(w.deadline) {
			remaining = append(remaining, w)
			continue
		}
		select {
		case w.ch <- now:
		default:
		}
	}
	c.waiters = remaining

	for _, t := range c.tickers {
		t.advance(now)
	}
}

// Set sets the clock to a specific time without firing waiters.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

type fakeTicker struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) advance(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || now.Before(t.next) {
		return
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.interval)
	}
	// like time.Ticker, drop ticks the reader is too slow for
	select {
	case t.ch <- now:
	default:
	}
}

var _ ports.Clock = (*Clock)(nil)
