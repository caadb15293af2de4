package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/hostbridge/internal/testutil/testlog"
)

func TestTickRunsRegisteredFuncsInOrder(t *testing.T) {
	testlog.Start(t)
	l := NewLoop(LoopConfig{})

	var order []string
	unA := l.RegisterTick(func(context.Context) { order = append(order, "a") })
	l.RegisterTick(func(context.Context) { order = append(order, "b") })
	l.Tick(context.Background())
	unA()
	unA()
	l.Tick(context.Background())

	want := []string{"a", "b", "b"}
	if len(order) != len(want) {
		t.Fatalf("want %v got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("want %v got %v", want, order)
		}
	}
	if l.Ticks() != 2 {
		t.Fatalf("ticks: %d", l.Ticks())
	}
}

func TestTickPanicDoesNotStopLoop(t *testing.T) {
	testlog.Start(t)
	l := NewLoop(LoopConfig{})
	ran := false
	l.RegisterTick(func(context.Context) { panic("boom") })
	l.RegisterTick(func(context.Context) { ran = true })
	l.Tick(context.Background())
	if !ran {
		t.Fatalf("second tick func did not run")
	}
}

func TestUIRequiresMainThread(t *testing.T) {
	testlog.Start(t)
	l := NewLoop(LoopConfig{})
	if err := l.AttachUI(context.Background()); !errors.Is(err, ErrNotMainThread) {
		t.Fatalf("expected ErrNotMainThread, got %v", err)
	}
	if _, err := l.Info(context.Background(), nil); !errors.Is(err, ErrNotMainThread) {
		t.Fatalf("expected ErrNotMainThread, got %v", err)
	}

	var attachErr error
	un := l.RegisterTick(func(ctx context.Context) { attachErr = l.AttachUI(ctx) })
	l.Tick(context.Background())
	un()
	if attachErr != nil {
		t.Fatalf("attach on main thread: %v", attachErr)
	}
	attached, attaches, _ := l.UIState()
	if !attached || attaches != 1 {
		t.Fatalf("ui state: attached=%v attaches=%d", attached, attaches)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	testlog.Start(t)
	l := NewLoop(LoopConfig{TickInterval: 2 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for l.Ticks() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if l.Ticks() < 3 {
		t.Fatalf("loop did not tick")
	}
	if err := l.Run(ctx); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("expected ErrLoopRunning, got %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
