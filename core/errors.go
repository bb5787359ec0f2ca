package core

import (
	"errors"
	"fmt"
)

var (
	ErrDecode        = errors.New("image could not be decoded")
	ErrFetch         = errors.New("image could not be fetched")
	ErrShapeMismatch = errors.New("signature shape mismatch")
	ErrStorage       = errors.New("storage failure")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrBadRequest    = errors.New("bad request")
)

// OpError annotates an error with the operation and, when known, the image path
// it concerned.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s [path=%s]: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func NewOpError(op, path string, err error) *OpError {
	return &OpError{Op: op, Path: path, Err: err}
}

// Storage wraps a backend error so callers can match it with ErrStorage while
// keeping the driver error reachable through errors.As.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Decode wraps a codec error as ErrDecode.
func Decode(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDecode, err)
}
