package task

import (
	"errors"
	"strings"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrShutdown        = errors.New("manager is shut down")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskGone        = errors.New("task finalized before attempt started")
)

// FieldError describes one rejected submission field.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors is a collection of field errors.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}
