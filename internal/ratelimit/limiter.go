// Package ratelimit throttles outbound calls to slow or rate-limited
// collaborators behind a priority-ordered queue and a sliding request
// window, drained by a single worker goroutine.
//
// The limiter is per-replica state: with multiple replicas each process
// keeps its own window, so the global request rate is replicas x budget.
// That is an accepted trade-off of simplicity over perfectly global
// throttling; size the budget accordingly.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Priority orders queued work when the external-call budget is scarce.
// Higher values drain first; FIFO within the same level.
type Priority int

const (
	// PriorityLow is best-effort background work (telemetry, last-used
	// stamps). Low tasks must be safe to abandon.
	PriorityLow Priority = iota
	// PriorityNormal is background refresh work.
	PriorityNormal
	// PriorityHigh is writes.
	PriorityHigh
	// PriorityCritical is balance reads gating a spend decision.
	PriorityCritical

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

var (
	// ErrQueueFull is returned when a priority level is at capacity.
	ErrQueueFull = errors.New("rate limiter queue full")
	// ErrClosed is returned for work submitted to (or pending in) a
	// limiter that has been closed.
	ErrClosed = errors.New("rate limiter closed")
)

// Config holds limiter tuning.
type Config struct {
	WindowLimit   int           // requests allowed per window (default 80)
	Window        time.Duration // sliding window size (default 60s)
	PacingDelay   time.Duration // fixed delay between consecutive dequeues (default 100ms)
	MaxQueueDepth int           // per-priority queue capacity (default 1000)

	// OnWait, when set, is invoked each time the drain worker stalls on a
	// full window. The daemon points it at the metrics collector.
	OnWait func()
}

// DefaultConfig returns the production defaults: 80 requests per 60s with
// 100ms pacing between calls.
func DefaultConfig() Config {
	return Config{
		WindowLimit:   80,
		Window:        60 * time.Second,
		PacingDelay:   100 * time.Millisecond,
		MaxQueueDepth: 1000,
	}
}

func (c Config) withDefaults() Config {
	if c.WindowLimit <= 0 {
		c.WindowLimit = 80
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.PacingDelay < 0 {
		c.PacingDelay = 0
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 1000
	}
	return c
}

type result struct {
	value any
	err   error
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) (any, error)
	done chan result
}

// Limiter serializes wrapped operations through one drain worker.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	queues [numPriorities][]*task
	window []time.Time

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a limiter and starts its drain worker. Call Close to stop it.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:    cfg.withDefaults(),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Execute enqueues fn at the given priority and blocks until the worker has
// run it, returning fn's own result and error unchanged. A queue failure
// never masks the wrapped operation's error: the only limiter-originated
// errors are ErrQueueFull, ErrClosed and the caller's context error.
//
// Failed operations consume a window slot exactly like successful ones.
func (l *Limiter) Execute(ctx context.Context, pri Priority, fn func(ctx context.Context) (any, error)) (any, error) {
	if pri < PriorityLow || pri > PriorityCritical {
		pri = PriorityNormal
	}
	t := &task{ctx: ctx, fn: fn, done: make(chan result, 1)}

	l.mu.Lock()
	select {
	case <-l.stop:
		l.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if len(l.queues[pri]) >= l.cfg.MaxQueueDepth {
		l.mu.Unlock()
		return nil, ErrQueueFull
	}
	l.queues[pri] = append(l.queues[pri], t)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}

	select {
	case res := <-t.done:
		return res.value, res.err
	case <-ctx.Done():
		// The worker observes the dead context and skips the task without
		// spending window budget on it.
		return nil, ctx.Err()
	}
}

// InWindow returns how many requests count against the current window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(time.Now())
	return len(l.window)
}

// QueueDepth returns the number of tasks waiting across all priorities.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, q := range l.queues {
		n += len(q)
	}
	return n
}

// Close stops the drain worker and fails any queued tasks with ErrClosed.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.queues {
		for _, t := range l.queues[i] {
			t.done <- result{err: ErrClosed}
		}
		l.queues[i] = nil
	}
}

func (l *Limiter) drain() {
	defer l.wg.Done()
	for {
		t := l.dequeue()
		if t == nil {
			select {
			case <-l.notify:
				continue
			case <-l.stop:
				return
			}
		}

		// Abandoned before execution: report the caller's own context error
		// and leave the window untouched.
		if err := t.ctx.Err(); err != nil {
			t.done <- result{err: err}
			continue
		}

		if !l.waitForSlot() {
			t.done <- result{err: ErrClosed}
			return
		}

		v, err := t.fn(t.ctx)
		t.done <- result{value: v, err: err}

		if l.cfg.PacingDelay > 0 {
			select {
			case <-time.After(l.cfg.PacingDelay):
			case <-l.stop:
				return
			}
		}
	}
}

// dequeue pops the highest-priority pending task, FIFO within a level.
func (l *Limiter) dequeue() *task {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pri := int(PriorityCritical); pri >= int(PriorityLow); pri-- {
		q := l.queues[pri]
		if len(q) == 0 {
			continue
		}
		t := q[0]
		l.queues[pri] = q[1:]
		return t
	}
	return nil
}

// waitForSlot suspends the whole drain loop until the sliding window has
// room, then records the new request. Returns false when the limiter closed
// while waiting.
func (l *Limiter) waitForSlot() bool {
	for {
		l.mu.Lock()
		now := time.Now()
		l.pruneLocked(now)
		if len(l.window) < l.cfg.WindowLimit {
			l.window = append(l.window, now)
			l.mu.Unlock()
			return true
		}
		wait := l.cfg.Window - now.Sub(l.window[0])
		l.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if l.cfg.OnWait != nil {
			l.cfg.OnWait()
		}
		select {
		case <-time.After(wait):
		case <-l.stop:
			return false
		}
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}
