package hw

import (
	"errors"
	"fmt"
	"testing"
)

func TestInitError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("no /dev/gpiomem")
	err := fmt.Errorf("startup: %w", &InitError{Actuator: "stepper", Op: "setup dir pin", Err: cause})

	if !errors.Is(err, ErrInit) {
		t.Error("expected errors.Is(err, ErrInit)")
	}
	if errors.Is(err, ErrIO) {
		t.Error("InitError must not match ErrIO")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	var ie *InitError
	if !errors.As(err, &ie) || ie.Actuator != "stepper" {
		t.Errorf("errors.As failed or wrong actuator: %+v", ie)
	}
	if got := ie.Error(); got != "stepper: init setup dir pin: no /dev/gpiomem" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIOError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("bus busy")
	err := &IOError{Actuator: "servo", Op: "set duty", Err: cause}

	if !errors.Is(err, ErrIO) {
		t.Error("expected errors.Is(err, ErrIO)")
	}
	if errors.Is(err, ErrInit) {
		t.Error("IOError must not match ErrInit")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if got := err.Error(); got != "servo: set duty: bus busy" {
		t.Errorf("Error() = %q", got)
	}
}
