// Package host defines what the bridge needs from the single-threaded host application and
// provides a simulated host loop.
package host

import (
	"context"
	"errors"
)

var (
	ErrNotMainThread = errors.New("host: called off the main thread")
	ErrLoopRunning   = errors.New("host: loop already running")
)

// TickFunc runs on the host main thread once per tick.
type TickFunc func(ctx context.Context)

// Host is the main-thread hook the runtime drains its queue from.
type Host interface {
	// RegisterTick schedules fn on every main-thread tick until the returned func is called.
	RegisterTick(fn TickFunc) (unregister func())
}

// UI is implemented by hosts with a panel the bridge attaches to. Both methods must run on
// the main thread.
type UI interface {
	AttachUI(ctx context.Context) error
	DetachUI(ctx context.Context) error
}
