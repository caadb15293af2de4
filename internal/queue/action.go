package queue

import (
	"context"
	"maps"
	"sync/atomic"
	"time"
)

// Status is the lifecycle phase of one queued action.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusTimedOut
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusTimedOut:
		return "timed_out"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimedOut || s == StatusFailed
}

// Action is one queued command. The terminal status is decided by a single
// compare-and-swap; result and err are written only by that winner, before done closes.
type Action struct {
	ID        string
	Name      string
	Params    map[string]any
	CreatedAt time.Time
	Deadline  time.Time

	q      *Queue
	status atomic.Int32
	timer  atomic.Pointer[time.Timer]
	done   chan struct{}
	result map[string]any
	err    error
}

func (a *Action) Status() Status {
	return Status(a.status.Load())
}

// Done closes once the action reaches a terminal status.
func (a *Action) Done() <-chan struct{} {
	return a.done
}

// Result returns the outcome once Done has closed. Before that it reports ErrInvalidAction.
func (a *Action) Result() (map[string]any, error) {
	select {
	case <-a.done:
		return a.result, a.err
	default:
		return nil, ErrInvalidAction
	}
}

// Wait blocks the calling goroutine until the action is terminal or ctx ends. A cancelled
// caller gives the action up: it is marked timed out and any late result is discarded.
func (a *Action) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		if a.expire() {
			return nil, ctx.Err()
		}
		<-a.done
		return a.result, a.err
	}
}

// begin claims a pending action for execution.
func (a *Action) begin() bool {
	return a.status.CompareAndSwap(int32(StatusPending), int32(StatusRunning))
}

// finish settles a running action. False means the caller already gave up.
func (a *Action) finish(status Status, result map[string]any, err error) bool {
	if !a.status.CompareAndSwap(int32(StatusRunning), int32(status)) {
		return false
	}
	a.result = result
	a.err = err
	a.settle()
	return true
}

// expire marks the action timed out from either Pending or Running.
func (a *Action) expire() bool {
	if a.status.CompareAndSwap(int32(StatusPending), int32(StatusTimedOut)) {
		a.err = ErrTimedOut
		a.settle()
		if a.q != nil {
			a.q.onExpired(true)
		}
		return true
	}
	if a.status.CompareAndSwap(int32(StatusRunning), int32(StatusTimedOut)) {
		a.err = ErrTimedOut
		a.settle()
		if a.q != nil {
			a.q.onExpired(false)
		}
		return true
	}
	return false
}

func (a *Action) settle() {
	if t := a.timer.Load(); t != nil {
		t.Stop()
	}
	close(a.done)
}

func cloneParams(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}
