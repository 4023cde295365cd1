package pwm

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_DegradedForcesNeutral(t *testing.T) {
	s := NewSupervisor(config.DefaultController())
	state := &ControlState{DutyCycle: 0.8, Efficiency: 0.7}
	cause := &MeasurementError{Parameter: "esr", Raw: 600, Value: 120.5, Max: 100}

	assert.True(t, s.MeasurementFailed(state, cause))
	assert.Equal(t, Degraded, s.Mode())
	assert.Equal(t, float32(0.5), state.DutyCycle)
	assert.Equal(t, float32(0), state.Efficiency)
	assert.ErrorIs(t, s.Cause(), ErrOutOfRange)

	// Staying degraded is not a transition.
	state.DutyCycle = 0.9
	assert.False(t, s.MeasurementFailed(state, cause))
	assert.Equal(t, float32(0.5), state.DutyCycle)
}

func TestSupervisor_Recovery(t *testing.T) {
	s := NewSupervisor(config.DefaultController())
	state := &ControlState{DutyCycle: 0.5}

	assert.False(t, s.MeasurementSucceeded())
	require.True(t, s.MeasurementFailed(state, ErrOutOfRange))

	assert.True(t, s.MeasurementSucceeded())
	assert.Equal(t, Nominal, s.Mode())
	assert.NoError(t, s.Cause())
}

func TestSupervisor_FaultIsSticky(t *testing.T) {
	cfg := config.DefaultController()
	s := NewSupervisor(cfg)
	state := &ControlState{DutyCycle: 0.7, Efficiency: 0.4}

	first := errors.New("adc timeout")
	assert.True(t, s.Critical(state, first))
	assert.True(t, s.Latched())
	assert.Equal(t, cfg.MinDuty, state.DutyCycle)

	assert.False(t, s.Critical(state, errors.New("second")))
	assert.Equal(t, first, s.Cause())

	state.DutyCycle = 0.6
	assert.False(t, s.MeasurementFailed(state, ErrOutOfRange))
	assert.False(t, s.MeasurementSucceeded())
	assert.Equal(t, Fault, s.Mode())
	assert.Equal(t, float32(0.6), state.DutyCycle, "measurement reports are ignored once faulted")

	s.Reset()
	assert.Equal(t, Nominal, s.Mode())
	assert.False(t, s.Latched())
}

func TestSupervisor_NeutralDutyClamped(t *testing.T) {
	cfg := config.DefaultController()
	cfg.MinDuty = 0.6
	s := NewSupervisor(cfg)

	assert.Equal(t, float32(0.6), s.NeutralDuty())
}

func TestMode_JSON(t *testing.T) {
	for _, m := range []Mode{Nominal, Degraded, Fault} {
		data, err := json.Marshal(m)
		require.NoError(t, err)

		var back Mode
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, m, back)
	}

	data, err := json.Marshal(Degraded)
	require.NoError(t, err)
	assert.JSONEq(t, `"degraded"`, string(data))

	var m Mode
	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &m))
	assert.Equal(t, "mode(7)", Mode(7).String())
}
