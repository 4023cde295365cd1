package pwm

import (
	"github.com/chewxy/math32"
	"github.com/itohio/adaptivepwm/pkg/config"
)

// LossModel computes an efficiency figure from the electrical parameters and the duty cycle.
//
//	switching  = k_sw * L * duty^2
//	conduction = esr * esrScale * duty^2
//
// With the default esrScale of 1 the ESR is used in milliohms directly, so realistic ESR
// values saturate the efficiency to zero. Set loss.esr_scale to 0.001 to work in ohms.
type LossModel struct {
	cfg config.LossConfig
}

// NewLossModel creates a loss model with the given coefficients.
func NewLossModel(cfg config.LossConfig) LossModel {
	return LossModel{cfg: cfg}
}

// Efficiency returns 1 - losses saturated to [0, 1]. Losses below the floor report 1.
func (m LossModel) Efficiency(p ElectricalParameters, duty float32) float32 {
	d2 := math32.Pow(duty, 2)
	switching := m.cfg.SwitchingCoefficient * p.InductanceMH * d2
	conduction := p.ESRMilliOhm * m.cfg.ESRScale * d2
	total := switching + conduction

	if total < m.cfg.Floor {
		return 1.0
	}
	return clamp(1-total, 0, 1)
}
