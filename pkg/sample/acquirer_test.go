package sample

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequence returns its values in order, then fails.
type sequence struct {
	values []uint16
	calls  int
	err    error
}

func (s *sequence) Convert(ctx context.Context) (uint16, error) {
	if s.calls >= len(s.values) {
		s.calls++
		if s.err != nil {
			return 0, s.err
		}
		return 0, errors.New("exhausted")
	}
	v := s.values[s.calls]
	s.calls++
	return v, nil
}

func repeat(v uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestAcquirer_Sample(t *testing.T) {
	tests := []struct {
		name   string
		values []uint16
		want   pwm.RawSample
	}{
		{
			name:   "constant",
			values: repeat(100, 16),
			want:   100,
		},
		{
			name:   "mean is truncated",
			values: append(repeat(100, 15), 115),
			want:   100, // 1615/16 = 100.9375
		},
		{
			name:   "alternating",
			values: []uint16{0, 4095, 0, 4095, 0, 4095, 0, 4095, 0, 4095, 0, 4095, 0, 4095, 0, 4095},
			want:   2047,
		},
		{
			name:   "full scale",
			values: repeat(4095, 16),
			want:   4095,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := &sequence{values: tt.values}
			a := NewAcquirer(seq, config.SamplerConfig{Oversample: 16, Resolution: 12})

			got, err := a.Sample(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 16, seq.calls)
		})
	}
}

func TestAcquirer_LongOversampleDoesNotOverflow(t *testing.T) {
	const n = 70000 // n * 65535 exceeds 32 bits
	seq := &sequence{values: repeat(65535, n)}
	a := NewAcquirer(seq, config.SamplerConfig{Oversample: n, Resolution: 16})

	got, err := a.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pwm.RawSample(65535), got)
}

func TestAcquirer_Defaults(t *testing.T) {
	a := NewAcquirer(&sequence{}, config.SamplerConfig{})
	assert.Equal(t, DefaultOversample, a.Oversample())
}

func TestAcquirer_ConversionErrorIsHardwareFault(t *testing.T) {
	seq := &sequence{values: repeat(100, 5), err: device.ErrTimeout}
	a := NewAcquirer(seq, config.SamplerConfig{Oversample: 16, Resolution: 12})

	_, err := a.Sample(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pwm.ErrHardwareFault)
	assert.ErrorIs(t, err, device.ErrTimeout)
	assert.Contains(t, err.Error(), "conversion 6 of 16")
	assert.Equal(t, 6, seq.calls, "sampling stops at the first failure")
}

func TestAcquirer_Cancelled(t *testing.T) {
	m := device.NewMock(config.Default().Mock, clock.NewMock())
	require.NoError(t, m.Connect())
	a := NewAcquirer(m, config.SamplerConfig{Oversample: 16})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Sample(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, pwm.ErrHardwareFault)
}

func TestAcquirer_Mock(t *testing.T) {
	cfg := config.MockConfig{Base: 250, Period: 1, DutyCoupling: 0}
	m := device.NewMock(cfg, clock.NewMock())
	require.NoError(t, m.Connect())
	a := NewAcquirer(m, config.Default().Sampler)

	got, err := a.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pwm.RawSample(250), got)
	assert.Equal(t, uint64(16), m.Conversions())
}
