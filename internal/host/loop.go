package host

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostbridge/internal/logging"
)

// LoopConfig configures the simulated host.
type LoopConfig struct {
	TickInterval time.Duration
}

// Loop simulates a host application with one main thread. Tick functions run in
// registration order; a panicking tick is logged and does not stop the loop.
type Loop struct {
	cfg LoopConfig

	mu     sync.Mutex
	ticks  map[uint64]TickFunc
	order  []uint64
	nextID uint64

	running  atomic.Bool
	inTick   atomic.Bool
	count    atomic.Uint64
	attached atomic.Bool
	attaches atomic.Uint64
	detaches atomic.Uint64
	started  time.Time
}

var (
	_ Host = (*Loop)(nil)
	_ UI   = (*Loop)(nil)
)

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 16 * time.Millisecond
	}
	return &Loop{
		cfg:   cfg,
		ticks: make(map[uint64]TickFunc),
	}
}

func (l *Loop) RegisterTick(fn TickFunc) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.ticks[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.ticks, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Run pins the calling goroutine to its OS thread and ticks until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.started = time.Now()
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	logging.Infof("host.Loop.Run started tick=%s", l.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			logging.Infof("host.Loop.Run shutdown ticks=%d", l.count.Load())
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one round of tick functions on the calling goroutine. Run calls it; tests may
// call it directly to act as the main thread.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	fns := make([]TickFunc, 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.ticks[id])
	}
	l.mu.Unlock()

	l.inTick.Store(true)
	defer l.inTick.Store(false)
	for _, fn := range fns {
		runTick(ctx, fn)
	}
	l.count.Add(1)
}

func runTick(ctx context.Context, fn TickFunc) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("host.Loop.tick panic recovered panic=%v", r)
		}
	}()
	fn(ctx)
}

// Ticks is the number of completed ticks.
func (l *Loop) Ticks() uint64 {
	return l.count.Load()
}

// OnMainThread reports whether a tick is executing.
func (l *Loop) OnMainThread() bool {
	return l.inTick.Load()
}

func (l *Loop) AttachUI(context.Context) error {
	if !l.inTick.Load() {
		return ErrNotMainThread
	}
	l.attached.Store(true)
	l.attaches.Add(1)
	logging.Debugf("host.Loop.AttachUI attaches=%d", l.attaches.Load())
	return nil
}

func (l *Loop) DetachUI(context.Context) error {
	if !l.inTick.Load() {
		return ErrNotMainThread
	}
	l.attached.Store(false)
	l.detaches.Add(1)
	logging.Debugf("host.Loop.DetachUI detaches=%d", l.detaches.Load())
	return nil
}

// UIState reports whether the panel is attached and how often it was attached and detached.
func (l *Loop) UIState() (attached bool, attaches, detaches uint64) {
	return l.attached.Load(), l.attaches.Load(), l.detaches.Load()
}

// Info is a main-thread-only host query exposed to the command registry.
func (l *Loop) Info(context.Context, map[string]any) (map[string]any, error) {
	if !l.inTick.Load() {
		return nil, fmt.Errorf("host info: %w", ErrNotMainThread)
	}
	uptime := time.Duration(0)
	if !l.started.IsZero() {
		uptime = time.Since(l.started).Round(time.Millisecond)
	}
	return map[string]any{
		"ticks":       l.count.Load(),
		"uptime":      uptime.String(),
		"ui_attached": l.attached.Load(),
	}, nil
}
