package protocol

import "errors"

var (
	ErrMalformed     = errors.New("protocol: malformed message")
	ErrMissingField  = errors.New("protocol: missing required field")
	ErrUnknownStatus = errors.New("protocol: unknown result status")
)
