package pwm

import (
	"github.com/itohio/adaptivepwm/pkg/config"
)

// Estimator maps a raw reading to electrical parameter estimates.
// The linear mapping is a placeholder that needs hardware-specific calibration.
type Estimator struct {
	cfg config.EstimatorConfig
}

// NewEstimator creates an estimator for the given calibration.
func NewEstimator(cfg config.EstimatorConfig) Estimator {
	return Estimator{cfg: cfg}
}

// Estimate converts raw into parameters and validates them against their bounds.
// On error the returned parameters must not be used.
func (e Estimator) Estimate(raw RawSample) (ElectricalParameters, error) {
	l, err := e.channel("inductance", e.cfg.Inductance, raw)
	if err != nil {
		return ElectricalParameters{}, err
	}
	c, err := e.channel("capacitance", e.cfg.Capacitance, raw)
	if err != nil {
		return ElectricalParameters{}, err
	}
	esr, err := e.channel("esr", e.cfg.ESR, raw)
	if err != nil {
		return ElectricalParameters{}, err
	}

	return ElectricalParameters{
		InductanceMH:  l,
		CapacitanceUF: c,
		ESRMilliOhm:   esr,
	}, nil
}

func (e Estimator) channel(name string, ch config.ChannelConfig, raw RawSample) (float32, error) {
	v := float32(raw)*ch.Slope + ch.Offset
	if v < ch.Min || v > ch.Max {
		return 0, &MeasurementError{Parameter: name, Raw: raw, Value: v, Min: ch.Min, Max: ch.Max}
	}
	return v, nil
}
