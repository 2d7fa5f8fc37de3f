// Package workers provides the scheduling primitives behind the background
// jobs: a latest-wins per-key debouncer, a wall-clock cooldown tracker, and a
// small supervised pool for fire-and-forget tasks.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers per key; only the latest scheduled
// function runs once the quiet period elapses.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	pending  map[string]*time.Timer
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		pending:  make(map[string]*time.Timer),
	}
}

// Trigger schedules fn for key, replacing any pending schedule. The latest
// fn wins.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.pending[key]; ok {
		t.Stop()
	}
	d.pending[key] = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending schedule for key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.pending[key]; ok {
		t.Stop()
		delete(d.pending, key)
	}
}

// Stop cancels all pending schedules.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.pending {
		t.Stop()
		delete(d.pending, k)
	}
}

// Cooldown gates a per-key action behind a wall-clock interval.
type Cooldown struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// NewCooldown creates a cooldown tracker with the given interval.
func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether the action may fire for key, stamping the key when
// it may.
func (c *Cooldown) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.last[key]; ok && time.Since(t) < c.interval {
		return false
	}
	c.last[key] = time.Now()
	return true
}

// Pool runs fire-and-forget background tasks with panic isolation and a
// shared shutdown context.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool tied to the parent context.
func NewPool(parent context.Context) *Pool {
	ctx, cancel := context.WithCancel(parent)
	return &Pool{ctx: ctx, cancel: cancel}
}

// Go runs fn on its own goroutine. Panics are logged, not propagated.
func (p *Pool) Go(name string, fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background job panicked", "job", name, "panic", r)
			}
		}()
		fn(p.ctx)
	}()
}

// Shutdown cancels the shared context and waits for in-flight tasks.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}
