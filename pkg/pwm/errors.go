package pwm

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is the soft, recoverable measurement failure.
	ErrOutOfRange = errors.New("measurement out of range")
	// ErrHardwareFault marks critical failures reported by the hardware collaborator.
	ErrHardwareFault = errors.New("hardware fault")
	// ErrFaulted is returned by every operation once the supervisor latched the fault state.
	ErrFaulted = errors.New("controller faulted, external reset required")
)

// MeasurementError describes an estimated parameter outside its physical bounds.
type MeasurementError struct {
	Parameter string
	Raw       RawSample
	Value     float32
	Min       float32
	Max       float32
}

func (e *MeasurementError) Error() string {
	return fmt.Sprintf("%s: %s = %g outside [%g, %g] (raw %d)", ErrOutOfRange, e.Parameter, e.Value, e.Min, e.Max, e.Raw)
}

// Unwrap allows errors.Is(err, ErrOutOfRange).
func (e *MeasurementError) Unwrap() error {
	return ErrOutOfRange
}
