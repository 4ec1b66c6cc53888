package lifecycle

import (
	"sync"
	"time"
)

// Cleanup collects teardown work for one component instance. Timers, listener
// unsubscribes and background goroutine stops all register here so that
// teardown is a single Close call and repeated initialize/destroy cycles never
// leak intervals or duplicate listeners.
type Cleanup struct {
	mu     sync.Mutex
	fns    []func()
	closed bool
}

// NewCleanup creates an empty cleanup registry.
func NewCleanup() *Cleanup {
	return &Cleanup{}
}

// Add registers a teardown function. If the registry is already closed the
// function runs immediately, so late registrations cannot leak.
func (c *Cleanup) Add(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

// AddTicker registers a ticker to be stopped on Close.
func (c *Cleanup) AddTicker(t *time.Ticker) {
	c.Add(t.Stop)
}

// AddTimer registers a timer to be stopped on Close.
func (c *Cleanup) AddTimer(t *time.Timer) {
	c.Add(func() { t.Stop() })
}

// Close runs all registered teardown functions in reverse registration order.
// It is idempotent.
func (c *Cleanup) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Closed reports whether Close has been called.
func (c *Cleanup) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
