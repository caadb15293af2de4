package client

import (
	"errors"
	"fmt"
)

var (
	ErrTransientNetwork     = errors.New("client: transient network error")
	ErrProtocol             = errors.New("client: protocol error")
	ErrServerURLRequired    = errors.New("client: server url required")
	ErrProjectRequired      = errors.New("client: project identifier required")
	ErrRegistrationRejected = errors.New("client: registration rejected")
	ErrNotRegistered        = errors.New("client: not registered with server")
	ErrUnknownTransport     = errors.New("client: unknown transport")
	ErrBundleTooLarge       = errors.New("client: bundle exceeds size limit")
)

// TransientError is a retryable failure of one network operation.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransientNetwork
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

func protocolError(op string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrProtocol, op, fmt.Sprintf(format, args...))
}
