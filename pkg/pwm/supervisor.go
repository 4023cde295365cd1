package pwm

import (
	"encoding/json"
	"fmt"

	"github.com/itohio/adaptivepwm/pkg/config"
)

// Mode is the safety supervisor state.
type Mode int

const (
	// Nominal: measurements are valid and the controller runs.
	Nominal Mode = iota
	// Degraded: the last measurement failed; duty is neutral and efficiency reports zero.
	Degraded
	// Fault: terminal; duty is at its minimum and output is disabled until an external reset.
	Fault
)

var modeNames = map[Mode]string{
	Nominal:  "nominal",
	Degraded: "degraded",
	Fault:    "fault",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// MarshalJSON encodes the mode by name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a mode name.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for mode, n := range modeNames {
		if n == name {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", name)
}

// Supervisor detects invalid or failed state and forces the fallback outputs.
type Supervisor struct {
	cfg   config.ControllerConfig
	mode  Mode
	cause error
}

// NewSupervisor creates a supervisor in the nominal state.
func NewSupervisor(cfg config.ControllerConfig) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Mode returns the current supervisor state.
func (s *Supervisor) Mode() Mode {
	return s.mode
}

// Cause returns the error that caused the last transition away from nominal.
func (s *Supervisor) Cause() error {
	return s.cause
}

// Latched reports whether the terminal fault state was entered.
func (s *Supervisor) Latched() bool {
	return s.mode == Fault
}

// NeutralDuty is the duty cycle forced while degraded, kept within the duty limits.
func (s *Supervisor) NeutralDuty() float32 {
	return clamp(s.cfg.NeutralDuty, s.cfg.MinDuty, s.cfg.MaxDuty)
}

// MeasurementFailed enters (or stays in) the degraded state and forces neutral duty and zero
// efficiency. Parameters are not touched: the caller keeps the stale values.
// It returns true on a transition out of nominal. No-op once faulted.
func (s *Supervisor) MeasurementFailed(state *ControlState, err error) bool {
	if s.mode == Fault {
		return false
	}
	state.DutyCycle = s.NeutralDuty()
	state.Efficiency = 0
	s.cause = err

	if s.mode == Degraded {
		return false
	}
	s.mode = Degraded
	return true
}

// MeasurementSucceeded returns from degraded to nominal.
// It returns true on that transition. No-op once faulted.
func (s *Supervisor) MeasurementSucceeded() bool {
	if s.mode != Degraded {
		return false
	}
	s.mode = Nominal
	s.cause = nil
	return true
}

// Critical latches the fault state and forces the minimum duty cycle.
// The first cause is kept; later critical reports return false.
func (s *Supervisor) Critical(state *ControlState, err error) bool {
	state.DutyCycle = s.cfg.MinDuty
	if s.mode == Fault {
		return false
	}
	s.mode = Fault
	s.cause = err
	return true
}

// Reset clears every state including the fault latch. Only an external reset may call it.
func (s *Supervisor) Reset() {
	s.mode = Nominal
	s.cause = nil
}
