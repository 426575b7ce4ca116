// Package hw holds what the actuator packages share: the error kinds they
// report back to the motion logic.
package hw

import (
	"errors"
	"fmt"
)

var (
	// ErrInit matches any *InitError with errors.Is.
	ErrInit = errors.New("actuator init failed")
	// ErrIO matches any *IOError with errors.Is.
	ErrIO = errors.New("actuator io failed")
)

// InitError reports that a peripheral or line could not be configured at
// startup. The process cannot drive the turret safely after one of these.
type InitError struct {
	Actuator string // "servo", "stepper"
	Op       string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: init %s: %v", e.Actuator, e.Op, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

func (e *InitError) Is(target error) bool { return target == ErrInit }

// IOError reports a single failed read, write or pulse at runtime.
// Callers log it and carry on with the next logical step.
type IOError struct {
	Actuator string
	Op       string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Actuator, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }
