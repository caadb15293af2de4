package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/hostbridge/internal/testutil/testlog"
)

func echoLookup() LookupFunc {
	return func(name string) (Handler, bool) {
		switch name {
		case "echo":
			return func(_ context.Context, params map[string]any) (map[string]any, error) {
				return params, nil
			}, true
		case "fail":
			return func(context.Context, map[string]any) (map[string]any, error) {
				return nil, errors.New("scene locked")
			}, true
		case "boom":
			return func(context.Context, map[string]any) (map[string]any, error) {
				panic("host api misuse")
			}, true
		default:
			return nil, false
		}
	}
}

func TestEnqueueEchoDrainOnce(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	q.Bind(echoLookup())

	a, err := q.Submit("echo", map[string]any{"x": 1}, time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := q.Drain(context.Background(), 1); n != 1 {
		t.Fatalf("expected one drained action, got %d", n)
	}
	res, err := a.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res["x"] != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if a.Status() != StatusCompleted {
		t.Fatalf("unexpected status: %s", a.Status())
	}
}

func TestEnqueueBlocksCallerUntilDrained(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	q.Bind(echoLookup())

	type outcome struct {
		res map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := q.Enqueue(context.Background(), "echo", map[string]any{"x": 1}, 2*time.Second)
		done <- outcome{res, err}
	}()

	deadline := time.Now().Add(time.Second)
	for q.Depth() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
		t.Fatalf("enqueue returned before drain")
	default:
	}
	q.Drain(context.Background(), 4)
	got := <-done
	if got.err != nil || got.res["x"] != 1 {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestEnqueueTimesOutWithoutDrain(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	var calls atomic.Int32
	q.Bind(LookupFunc(func(name string) (Handler, bool) {
		return func(context.Context, map[string]any) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{}, nil
		}, true
	}))

	start := time.Now()
	_, err := q.Enqueue(context.Background(), "describe_scene", nil, 2*time.Second)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Fatalf("returned early after %v", elapsed)
	}
	time.Sleep(time.Second)
	if n := q.Drain(context.Background(), 8); n != 0 {
		t.Fatalf("timed out action drained: %d", n)
	}
	if calls.Load() != 0 {
		t.Fatalf("handler ran for timed out action")
	}
	if st := q.Stats(); st.TimedOut != 1 || st.Depth != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestDrainProcessesAtMostK(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	q.Bind(echoLookup())
	actions := make([]*Action, 0, 5)
	for i := 0; i < 5; i++ {
		a, err := q.Submit("echo", map[string]any{"i": i}, time.Second)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		actions = append(actions, a)
	}
	if n := q.Drain(context.Background(), 2); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if q.Depth() != 3 {
		t.Fatalf("unexpected depth=%d", q.Depth())
	}
	if actions[0].Status() != StatusCompleted || actions[2].Status() != StatusPending {
		t.Fatalf("drain order not fifo: %s %s", actions[0].Status(), actions[2].Status())
	}
	if n := q.Drain(context.Background(), 10); n != 3 {
		t.Fatalf("expected remaining 3, got %d", n)
	}
	if n := q.Drain(context.Background(), 10); n != 0 {
		t.Fatalf("expected empty drain, got %d", n)
	}
}

func TestFailingHandlersDoNotStopDrain(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	q.Bind(echoLookup())

	fail, _ := q.Submit("fail", nil, time.Second)
	boom, _ := q.Submit("boom", nil, time.Second)
	missing, _ := q.Submit("missing", nil, time.Second)
	ok, _ := q.Submit("echo", map[string]any{"x": 1}, time.Second)

	if n := q.Drain(context.Background(), 10); n != 4 {
		t.Fatalf("expected 4 processed, got %d", n)
	}

	var herr *HandlerError
	if _, err := fail.Result(); !errors.As(err, &herr) || herr.Panic {
		t.Fatalf("expected handler error, got %v", err)
	}
	if _, err := boom.Result(); !errors.As(err, &herr) || !herr.Panic {
		t.Fatalf("expected panic handler error, got %v", err)
	}
	if _, err := missing.Result(); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if fail.Status() != StatusFailed || boom.Status() != StatusFailed {
		t.Fatalf("expected failed statuses")
	}
	if res, err := ok.Result(); err != nil || res["x"] != 1 {
		t.Fatalf("later action did not run: %v %v", res, err)
	}
	if st := q.Stats(); st.Failed != 3 || st.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSubmitCapacityFailsFast(t *testing.T) {
	testlog.Start(t)
	q := New(Config{Capacity: 2})
	for i := 0; i < 2; i++ {
		if _, err := q.Submit("echo", nil, time.Second); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := q.Submit("echo", nil, time.Second); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "echo", nil, time.Second); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity from enqueue, got %v", err)
	}
	if st := q.Stats(); st.Rejected != 2 {
		t.Fatalf("unexpected rejected=%d", st.Rejected)
	}
}

func TestTimedOutActionsFreeCapacity(t *testing.T) {
	testlog.Start(t)
	q := New(Config{Capacity: 1})
	a, err := q.Submit("echo", nil, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-a.Done()
	if a.Status() != StatusTimedOut {
		t.Fatalf("unexpected status: %s", a.Status())
	}
	for i := 0; i < 3; i++ {
		b, err := q.Submit("echo", nil, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("submit after timeout %d: %v", i, err)
		}
		<-b.Done()
	}
	if st := q.Stats(); st.Backlog > 2 {
		t.Fatalf("expected compaction to bound backlog, got %+v", st)
	}
}

func TestUnboundQueueKeepsActionsPending(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	a, _ := q.Submit("echo", map[string]any{"x": 1}, time.Second)
	if n := q.Drain(context.Background(), 4); n != 0 {
		t.Fatalf("unbound queue drained %d", n)
	}
	if a.Status() != StatusPending {
		t.Fatalf("unexpected status: %s", a.Status())
	}
	q.Bind(echoLookup())
	if n := q.Drain(context.Background(), 4); n != 1 {
		t.Fatalf("expected drain after bind, got %d", n)
	}
}

func TestReentrantDrainReturnsImmediately(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	var inner atomic.Int32
	inner.Store(-1)
	q.Bind(LookupFunc(func(name string) (Handler, bool) {
		return func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			inner.Store(int32(q.Drain(ctx, 4)))
			return nil, nil
		}, true
	}))
	_, _ = q.Submit("outer", nil, time.Second)
	_, _ = q.Submit("second", nil, time.Second)
	if n := q.Drain(context.Background(), 1); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if inner.Load() != 0 {
		t.Fatalf("reentrant drain processed %d", inner.Load())
	}
}

func TestLateResultDiscarded(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	q.Bind(LookupFunc(func(name string) (Handler, bool) {
		return func(context.Context, map[string]any) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{"late": true}, nil
		}, true
	}))

	a, _ := q.Submit("slow", nil, 200*time.Millisecond)
	drained := make(chan int, 1)
	go func() { drained <- q.Drain(context.Background(), 1) }()
	<-started

	if _, err := a.Wait(context.Background()); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	close(release)
	if n := <-drained; n != 1 {
		t.Fatalf("expected running action counted, got %d", n)
	}
	if a.Status() != StatusTimedOut {
		t.Fatalf("late completion overwrote status: %s", a.Status())
	}
	if res, err := a.Result(); res != nil || !errors.Is(err, ErrTimedOut) {
		t.Fatalf("late result leaked: %v %v", res, err)
	}
	if st := q.Stats(); st.Discarded != 1 || st.Completed != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestWaitContextCancelGivesUp(t *testing.T) {
	testlog.Start(t)
	q := New(Config{})
	a, _ := q.Submit("echo", nil, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if a.Status() != StatusTimedOut || q.Depth() != 0 {
		t.Fatalf("abandoned action still pending: %s depth=%d", a.Status(), q.Depth())
	}
}

func TestConcurrentEnqueueExactlyOnce(t *testing.T) {
	testlog.Start(t)
	const producers = 64
	q := New(Config{Capacity: producers})

	var mu sync.Mutex
	runs := make(map[string]int)
	q.Bind(LookupFunc(func(name string) (Handler, bool) {
		return func(_ context.Context, params map[string]any) (map[string]any, error) {
			key := params["key"].(string)
			mu.Lock()
			runs[key]++
			mu.Unlock()
			return params, nil
		}, true
	}))

	stop := make(chan struct{})
	var drainer sync.WaitGroup
	drainer.Add(1)
	go func() {
		defer drainer.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				q.Drain(context.Background(), 3)
			}
		}
	}()

	var completed, timedOut atomic.Int32
	completedKeys := make(chan string, producers)
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			timeout := time.Duration(1+i%5) * time.Millisecond
			if i%2 == 0 {
				timeout = time.Second
			}
			res, err := q.Enqueue(context.Background(), "work", map[string]any{"key": key}, timeout)
			switch {
			case err == nil:
				if res["key"] != key {
					t.Errorf("result mismatch for %s: %+v", key, res)
				}
				completed.Add(1)
				completedKeys <- key
			case errors.Is(err, ErrTimedOut):
				timedOut.Add(1)
			default:
				t.Errorf("unexpected error for %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	drainer.Wait()
	close(completedKeys)

	if completed.Load()+timedOut.Load() != producers {
		t.Fatalf("lost outcomes completed=%d timed_out=%d", completed.Load(), timedOut.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for key := range completedKeys {
		if runs[key] != 1 {
			t.Fatalf("completed key %s ran %d times", key, runs[key])
		}
	}
	for key, n := range runs {
		if n > 1 {
			t.Fatalf("key %s ran %d times", key, n)
		}
	}
	st := q.Stats()
	if int(st.Completed+st.TimedOut) != producers {
		t.Fatalf("stats disagree: %+v", st)
	}
}
