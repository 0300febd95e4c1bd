package service

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedStatus      = errors.New("unexpected status code")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrContentLengthMismatch = errors.New("content length mismatch")
	ErrUnsupportedURL        = errors.New("url not supported")
)

// Error is a transfer failure with detail.
type Error struct {
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitError reports a tool that exited with a non-zero code.
type ExitError struct {
	Tool string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.Code)
}
