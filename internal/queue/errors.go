package queue

import (
	"errors"
	"fmt"
)

var (
	ErrCapacity       = errors.New("queue: capacity exceeded")
	ErrTimedOut       = errors.New("queue: action timed out")
	ErrUnknownCommand = errors.New("queue: unknown command")
	ErrInvalidAction  = errors.New("queue: invalid action")
)

// HandlerError captures a handler failure for one action. It never escapes Drain.
type HandlerError struct {
	ActionID string
	Command  string
	Panic    bool
	Err      error
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("queue: handler %q panicked: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("queue: handler %q failed: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
