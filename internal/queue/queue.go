package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostbridge/internal/logging"
	fifo "github.com/eapache/queue"
	"github.com/google/uuid"
)

// Handler executes one command on the host main thread.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Lookup resolves command names to handlers at drain time.
type Lookup interface {
	Lookup(name string) (Handler, bool)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(name string) (Handler, bool)

func (f LookupFunc) Lookup(name string) (Handler, bool) {
	return f(name)
}

// Config bounds the queue and the work done per host tick.
type Config struct {
	Capacity        int
	DefaultTimeout  time.Duration
	MaxItemsPerTick int
}

func DefaultConfig() Config {
	return Config{
		Capacity:        256,
		DefaultTimeout:  30 * time.Second,
		MaxItemsPerTick: 8,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.MaxItemsPerTick <= 0 {
		c.MaxItemsPerTick = def.MaxItemsPerTick
	}
	return c
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Depth     int
	Backlog   int
	Submitted uint64
	Rejected  uint64
	Drained   uint64
	Completed uint64
	Failed    uint64
	TimedOut  uint64
	Discarded uint64
}

type lookupHolder struct {
	lookup Lookup
}

// Queue is a bounded multi-producer, single-consumer action queue.
type Queue struct {
	cfg Config

	mu    sync.Mutex
	items *fifo.Queue

	pending  atomic.Int64
	lookup   atomic.Pointer[lookupHolder]
	draining atomic.Bool

	submitted atomic.Uint64
	rejected  atomic.Uint64
	drained   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	discarded atomic.Uint64
}

func New(cfg Config) *Queue {
	return &Queue{
		cfg:   cfg.WithDefaults(),
		items: fifo.New(),
	}
}

func (q *Queue) Config() Config {
	return q.cfg
}

// Bind installs the handler lookup consulted by Drain. Nil unbinds; an unbound queue keeps
// actions pending until a lookup is bound again or they time out.
func (q *Queue) Bind(lookup Lookup) {
	if lookup == nil {
		q.lookup.Store(nil)
		return
	}
	q.lookup.Store(&lookupHolder{lookup: lookup})
}

func (q *Queue) Bound() bool {
	return q.lookup.Load() != nil
}

// Submit queues an action without blocking. A timeout <= 0 uses the configured default.
func (q *Queue) Submit(name string, params map[string]any, timeout time.Duration) (*Action, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: missing command name", ErrInvalidAction)
	}
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	now := time.Now()
	a := &Action{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Params:    cloneParams(params),
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		q:         q,
		done:      make(chan struct{}),
	}

	q.mu.Lock()
	if q.pending.Load() >= int64(q.cfg.Capacity) {
		q.mu.Unlock()
		q.rejected.Add(1)
		return nil, fmt.Errorf("%w: depth=%d capacity=%d", ErrCapacity, q.pending.Load(), q.cfg.Capacity)
	}
	if q.items.Length() >= 2*q.cfg.Capacity {
		q.compactLocked()
	}
	q.items.Add(a)
	q.pending.Add(1)
	q.mu.Unlock()

	q.submitted.Add(1)
	a.timer.Store(time.AfterFunc(timeout, func() { a.expire() }))
	return a, nil
}

// Enqueue submits an action and blocks the calling goroutine until it is drained, it times
// out, or ctx ends. It must never be called from the host main thread.
func (q *Queue) Enqueue(ctx context.Context, name string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	a, err := q.Submit(name, params, timeout)
	if err != nil {
		return nil, err
	}
	return a.Wait(ctx)
}

// Drain runs up to maxItems pending actions on the calling goroutine, which must be the
// host main thread. It never blocks: a concurrent or reentrant call returns 0, as does an
// unbound queue. Handler failures and panics are captured per action.
func (q *Queue) Drain(ctx context.Context, maxItems int) int {
	if maxItems <= 0 {
		maxItems = q.cfg.MaxItemsPerTick
	}
	if !q.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer q.draining.Store(false)

	holder := q.lookup.Load()
	if holder == nil {
		return 0
	}

	processed := 0
	for processed < maxItems {
		a := q.pop()
		if a == nil {
			break
		}
		if !a.begin() {
			continue
		}
		q.pending.Add(-1)
		processed++
		q.drained.Add(1)
		q.run(ctx, holder.lookup, a)
	}
	return processed
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	backlog := q.items.Length()
	q.mu.Unlock()
	return Stats{
		Depth:     int(q.pending.Load()),
		Backlog:   backlog,
		Submitted: q.submitted.Load(),
		Rejected:  q.rejected.Load(),
		Drained:   q.drained.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		TimedOut:  q.timedOut.Load(),
		Discarded: q.discarded.Load(),
	}
}

// Depth is the number of live pending actions.
func (q *Queue) Depth() int {
	return int(q.pending.Load())
}

func (q *Queue) run(ctx context.Context, lookup Lookup, a *Action) {
	h, ok := lookup.Lookup(a.Name)
	if !ok {
		herr := &HandlerError{ActionID: a.ID, Command: a.Name, Err: ErrUnknownCommand}
		if a.finish(StatusFailed, nil, herr) {
			q.failed.Add(1)
		}
		logging.Warnf("queue.Drain unknown command action_id=%q name=%q", a.ID, a.Name)
		return
	}

	started := time.Now()
	result, err := invoke(ctx, h, a)
	if err != nil {
		if a.finish(StatusFailed, nil, err) {
			q.failed.Add(1)
			logging.Warnf("queue.Drain handler failed action_id=%q name=%q err=%v", a.ID, a.Name, err)
		} else {
			q.discarded.Add(1)
		}
		return
	}
	if result == nil {
		result = map[string]any{}
	}
	if a.finish(StatusCompleted, result, nil) {
		q.completed.Add(1)
		logging.Debugf("queue.Drain completed action_id=%q name=%q took=%s", a.ID, a.Name, time.Since(started))
		return
	}
	q.discarded.Add(1)
	logging.Debugf("queue.Drain late result discarded action_id=%q name=%q", a.ID, a.Name)
}

func invoke(ctx context.Context, h Handler, a *Action) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &HandlerError{ActionID: a.ID, Command: a.Name, Panic: true, Err: fmt.Errorf("%v", r)}
		}
	}()
	out, err = h(ctx, cloneParams(a.Params))
	if err != nil {
		err = &HandlerError{ActionID: a.ID, Command: a.Name, Err: err}
	}
	return out, err
}

func (q *Queue) pop() *Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return nil
	}
	return q.items.Remove().(*Action)
}

// compactLocked drops entries that already timed out. Caller holds q.mu.
func (q *Queue) compactLocked() {
	n := q.items.Length()
	for i := 0; i < n; i++ {
		a := q.items.Remove().(*Action)
		if a.Status() == StatusPending {
			q.items.Add(a)
		}
	}
}

func (q *Queue) onExpired(wasPending bool) {
	if wasPending {
		q.pending.Add(-1)
	}
	q.timedOut.Add(1)
}
