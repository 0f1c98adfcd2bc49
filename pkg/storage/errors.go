package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageFailure is matched by every error caused by the underlying store
	ErrStorageFailure = errors.New("storage failure")

	// ErrWrongKind is returned when an operation is applied to a unit of
	// the wrong kind, e.g. counting transmissions of a receipt
	ErrWrongKind = errors.New("wrong message unit kind")

	// ErrNotStored is returned for write operations on a unit without a
	// core id or whose core id is unknown to the store
	ErrNotStored = errors.New("message unit not stored")
)

// Failure wraps an error raised by the underlying store
type Failure struct {
	Op  string
	Err error
}

// Fail wraps err as a storage failure of op; nil stays nil
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Op: op, Err: err}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("storage: %s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is makes every Failure match ErrStorageFailure
func (f *Failure) Is(target error) bool {
	return target == ErrStorageFailure
}
