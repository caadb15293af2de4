package update

import (
	"errors"
	"fmt"
)

var (
	ErrReloadIntegrity = errors.New("update: bundle failed integrity check")
	ErrBusy            = errors.New("update: check already in progress")
	ErrNoReloader      = errors.New("update: reloader required")
	ErrNoSource        = errors.New("update: version source required")
)

// IntegrityError describes why a downloaded bundle was refused.
type IntegrityError struct {
	Marker string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update: bundle %q rejected: %s: %v", e.Marker, e.Reason, e.Err)
	}
	return fmt.Sprintf("update: bundle %q rejected: %s", e.Marker, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrReloadIntegrity
}
