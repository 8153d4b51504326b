package stage

import (
	"errors"
	"fmt"

	"vectorflow/internal/job"
	"vectorflow/internal/services"
)

// RecoverableError is a stage failure that a later attempt may fix.
type RecoverableError struct {
	Stage string
	Err   error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// FatalError is a stage failure that no retry can fix.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stage %s: fatal: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Recoverable wraps err as a RecoverableError.
func Recoverable(stageName string, err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Stage: stageName, Err: err}
}

// Fatal wraps err as a FatalError.
func Fatal(stageName string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Stage: stageName, Err: err}
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// Classify maps an arbitrary stage error onto the two typed failures.
// Typed errors pass through. Deadlines, network errors and 5xx responses
// are recoverable; rejected input and validation errors are fatal.
// Anything unrecognized is treated as recoverable.
func Classify(stageName string, err error) error {
	if err == nil {
		return nil
	}
	var recoverable *RecoverableError
	if errors.As(err, &recoverable) {
		return err
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return err
	}
	var invalid *job.InvalidJobError
	if errors.As(err, &invalid) || services.IsPermanent(err) {
		return Fatal(stageName, err)
	}
	return Recoverable(stageName, err)
}
