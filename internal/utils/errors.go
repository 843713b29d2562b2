package utils

import (
	"errors"
	"fmt"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// Wrap attaches op to err unless err is nil. An existing AppError for the same op is returned as is.
func Wrap(op, msg string, err error) error {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) && app.Op == op {
		return err
	}
	return &AppError{Op: op, Msg: msg, Err: err}
}

// OpOf returns the outermost operation recorded on err, or "".
func OpOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Op
	}
	return ""
}
