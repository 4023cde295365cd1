package pwm

import (
	"github.com/chewxy/math32"
	"github.com/itohio/adaptivepwm/pkg/config"
)

// Controller proportionally steers the duty cycle toward a target efficiency.
type Controller struct {
	cfg config.ControllerConfig
}

// NewController creates a controller with the given limits and gain.
func NewController(cfg config.ControllerConfig) Controller {
	return Controller{cfg: cfg}
}

// Clamp limits duty to the configured [MinDuty, MaxDuty].
func (c Controller) Clamp(duty float32) float32 {
	return clamp(duty, c.cfg.MinDuty, c.cfg.MaxDuty)
}

// Adjust applies one proportional step if the adjustment window has passed.
// It returns true only when the duty cycle actually changed. Once the window has passed the
// gate is re-armed even if the change fell within the hysteresis band.
func (c Controller) Adjust(state *ControlState, target float32, gate *TimingGate, now Tick) bool {
	if !now.Elapsed(gate.LastAdjustment, c.cfg.AdjustmentInterval) {
		return false
	}
	gate.LastAdjustment = now

	step := (target - state.Efficiency) * c.cfg.Gain
	candidate := c.Clamp(state.DutyCycle + step)

	if math32.Abs(candidate-state.DutyCycle) > c.cfg.Hysteresis {
		state.DutyCycle = candidate
		return true
	}
	return false
}
