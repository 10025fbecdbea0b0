package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	ErrIOFailure        = errors.New("transfer: io failure")
	ErrSessionNotFound  = errors.New("transfer: session not found")
	ErrRejected         = errors.New("transfer: rejected by receiver")
	ErrEngineClosed     = errors.New("transfer: engine closed")
	ErrInvalidHeader    = errors.New("transfer: invalid header")
	ErrInvalidFrame     = errors.New("transfer: invalid frame")
)

// Error adds the failed operation and file to a transfer error.
type Error struct {
	Op      string
	File    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.File != "" && e.Details != "" {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.File, e.Err, e.Details)
	}
	if e.File != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewFileError(op, file string, err error) *Error {
	return &Error{Op: op, File: file, Err: err}
}

func WrapError(op, file string, err error, details string) *Error {
	return &Error{Op: op, File: file, Err: err, Details: details}
}
