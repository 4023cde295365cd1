package loop

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const tick = 10 * time.Millisecond

func newTestLoop(t *testing.T, mock config.MockConfig) (*Loop, *device.Mock, *clock.Mock) {
	t.Helper()

	cfg := config.Default()
	cfg.Mock = mock
	clk := clock.NewMock()
	dev := device.NewMock(cfg.Mock, clk)
	require.NoError(t, dev.Connect())

	return New(cfg, dev, clk, zaptest.NewLogger(t).Sugar()), dev, clk
}

// steps runs n ticks, advancing the clock by one tick interval after each.
func steps(t *testing.T, l *Loop, clk *clock.Mock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := l.Step(context.Background())
		if err != nil && !errors.Is(err, pwm.ErrFaulted) {
			require.NoError(t, err)
		}
		clk.Add(tick)
	}
}

func TestLoop_Initialize(t *testing.T) {
	l, dev, _ := newTestLoop(t, config.Default().Mock)

	assert.False(t, l.Snapshot().Initialized)
	assert.False(t, dev.Enabled())

	require.NoError(t, l.Step(context.Background()))

	snap := l.Snapshot()
	assert.True(t, snap.Initialized)
	assert.Equal(t, float32(0.5), snap.DutyCycle)
	assert.Equal(t, float32(0), snap.Efficiency)
	assert.Equal(t, pwm.Nominal, snap.Mode)
	assert.True(t, dev.Enabled())
	assert.Equal(t, float32(0.5), dev.Duty())
	assert.Equal(t, uint64(0), snap.Stats.Measurements, "gates are armed at the first tick")
}

func TestLoop_Cadence(t *testing.T) {
	l, dev, clk := newTestLoop(t, config.Default().Mock)
	cfg := config.DefaultController()

	// Ticks at 0, 10, ..., 1000 ms.
	steps(t, l, clk, 101)

	snap := l.Snapshot()
	assert.Equal(t, uint64(101), snap.Stats.Ticks)
	assert.Equal(t, uint64(20), snap.Stats.Measurements, "one measurement per 50 ms")
	assert.Equal(t, uint64(10), snap.Stats.Adjustments, "one adjustment window per 100 ms")
	assert.Equal(t, uint64(0), snap.Stats.MeasurementFailures)

	// The default loss model saturates efficiency to zero, so every window raises duty by
	// (0.95 - 0) * 0.05 until the upper limit.
	assert.Equal(t, uint64(10), snap.Stats.DutyChanges)
	assert.Equal(t, cfg.MaxDuty, snap.DutyCycle)
	assert.Equal(t, cfg.MaxDuty, dev.Duty())
	assert.Equal(t, float32(0), snap.Efficiency)
	assert.Equal(t, pwm.Nominal, snap.Mode)

	assert.GreaterOrEqual(t, snap.InductanceMH, float32(0.01))
	assert.LessOrEqual(t, snap.ESRMilliOhm, float32(100))
	assert.Equal(t, uint64(16*20), dev.Conversions())
}

func TestLoop_DutyRamp(t *testing.T) {
	l, _, clk := newTestLoop(t, config.Default().Mock)

	steps(t, l, clk, 11) // 0..100 ms
	assert.InDelta(t, 0.5475, l.Snapshot().DutyCycle, 1e-6)

	steps(t, l, clk, 9) // 110..190 ms
	assert.InDelta(t, 0.5475, l.Snapshot().DutyCycle, 1e-6, "at most one change per window")

	steps(t, l, clk, 1) // 200 ms
	assert.InDelta(t, 0.595, l.Snapshot().DutyCycle, 1e-6)
}

func TestLoop_DegradedAndRecovery(t *testing.T) {
	mock := config.Default().Mock
	mock.ExcursionEvery = time.Second
	mock.ExcursionLength = 200 * time.Millisecond
	mock.ExcursionRaw = 600
	l, dev, clk := newTestLoop(t, mock)

	steps(t, l, clk, 100) // 0..990 ms
	before := l.Snapshot()
	require.Equal(t, pwm.Nominal, before.Mode)

	steps(t, l, clk, 1) // 1000 ms: excursion
	snap := l.Snapshot()
	assert.Equal(t, pwm.Degraded, snap.Mode)
	assert.Equal(t, float32(0.5), snap.DutyCycle)
	assert.Equal(t, float32(0), snap.Efficiency)
	assert.Equal(t, before.ElectricalParameters, snap.ElectricalParameters, "stale parameters are kept")
	assert.Contains(t, snap.Cause, "esr")
	assert.Equal(t, float32(0.5), dev.Duty())
	assert.True(t, dev.Enabled(), "degraded keeps the output on")

	steps(t, l, clk, 19) // 1010..1190 ms
	snap = l.Snapshot()
	assert.Equal(t, pwm.Degraded, snap.Mode)
	assert.Equal(t, float32(0.5), snap.DutyCycle, "no adjustment while degraded")
	assert.Equal(t, uint64(4), snap.Stats.MeasurementFailures)

	steps(t, l, clk, 1) // 1200 ms: valid again
	snap = l.Snapshot()
	assert.Equal(t, pwm.Nominal, snap.Mode)
	assert.Empty(t, snap.Cause)
	assert.InDelta(t, 0.5475, snap.DutyCycle, 1e-6)

	diag := l.Diagnostics()
	require.Len(t, diag.Transitions, 2)
	assert.Equal(t, pwm.Nominal, diag.Transitions[0].From)
	assert.Equal(t, pwm.Degraded, diag.Transitions[0].To)
	assert.Equal(t, pwm.Tick(1000), diag.Transitions[0].Tick)
	assert.Equal(t, pwm.Degraded, diag.Transitions[1].From)
	assert.Equal(t, pwm.Nominal, diag.Transitions[1].To)
}

func TestLoop_FaultIsSticky(t *testing.T) {
	l, dev, clk := newTestLoop(t, config.Default().Mock)
	cfg := config.DefaultController()

	steps(t, l, clk, 30) // 0..290 ms
	dev.InjectFault("overcurrent")

	err := l.Step(context.Background()) // 300 ms: measurement
	require.Error(t, err)
	assert.ErrorIs(t, err, pwm.ErrFaulted)
	assert.ErrorIs(t, err, pwm.ErrHardwareFault)
	assert.ErrorIs(t, err, device.ErrFault)

	snap := l.Snapshot()
	assert.Equal(t, pwm.Fault, snap.Mode)
	assert.Equal(t, cfg.MinDuty, snap.DutyCycle)
	assert.Contains(t, snap.Cause, "overcurrent")
	assert.Equal(t, cfg.MinDuty, dev.Duty())
	assert.False(t, dev.Enabled())
	assert.Equal(t, uint64(1), snap.Stats.Faults)

	// No automatic recovery, even once the hardware is healthy again.
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Connect())
	for i := 0; i < 50; i++ {
		clk.Add(tick)
		assert.ErrorIs(t, l.Step(context.Background()), pwm.ErrFaulted)
	}
	after := l.Snapshot()
	assert.Equal(t, pwm.Fault, after.Mode)
	assert.Equal(t, snap.Stats.Ticks, after.Stats.Ticks, "no forward progress while faulted")
	assert.Equal(t, cfg.MinDuty, after.DutyCycle)
	assert.False(t, dev.Enabled())

	l.Reset()
	require.NoError(t, l.Step(context.Background()))
	snap = l.Snapshot()
	assert.Equal(t, pwm.Nominal, snap.Mode)
	assert.True(t, snap.Initialized)
	assert.Equal(t, float32(0.5), snap.DutyCycle)
	assert.Equal(t, uint64(1), snap.Stats.Resets)
	assert.True(t, dev.Enabled())
	assert.Equal(t, float32(0.5), dev.Duty())
}

func TestLoop_Trip(t *testing.T) {
	l, dev, clk := newTestLoop(t, config.Default().Mock)
	steps(t, l, clk, 5)

	assert.True(t, l.Trip("e-stop"))
	assert.False(t, l.Trip("again"), "already faulted")

	snap := l.Snapshot()
	assert.Equal(t, pwm.Fault, snap.Mode)
	assert.Contains(t, snap.Cause, "e-stop")
	assert.NotContains(t, snap.Cause, "again")
	assert.False(t, dev.Enabled())
	assert.ErrorIs(t, l.Step(context.Background()), pwm.ErrFaulted)
}

func TestLoop_TripBeforeFirstStep(t *testing.T) {
	l, dev, clk := newTestLoop(t, config.Default().Mock)
	cfg := config.DefaultController()

	assert.True(t, l.Trip("e-stop"))
	for i := 0; i < 20; i++ {
		assert.ErrorIs(t, l.Step(context.Background()), pwm.ErrFaulted)
		clk.Add(tick)
	}

	snap := l.Snapshot()
	assert.Equal(t, pwm.Fault, snap.Mode)
	assert.False(t, snap.Initialized)
	assert.Equal(t, cfg.MinDuty, snap.DutyCycle)
	assert.Equal(t, cfg.MinDuty, dev.Duty())
	assert.False(t, dev.Enabled())
	assert.Equal(t, uint64(0), snap.Stats.Ticks)
}

func TestLoop_TripAfterReset(t *testing.T) {
	l, dev, clk := newTestLoop(t, config.Default().Mock)
	cfg := config.DefaultController()
	steps(t, l, clk, 5)

	require.True(t, l.Trip("first"))
	l.Reset()
	require.True(t, l.Trip("second"), "reset cleared the latch")

	assert.ErrorIs(t, l.Step(context.Background()), pwm.ErrFaulted)

	snap := l.Snapshot()
	assert.Equal(t, pwm.Fault, snap.Mode)
	assert.Contains(t, snap.Cause, "second")
	assert.Equal(t, cfg.MinDuty, snap.DutyCycle)
	assert.Equal(t, cfg.MinDuty, dev.Duty())
	assert.False(t, dev.Enabled())

	l.Reset()
	require.NoError(t, l.Step(context.Background()))
	assert.True(t, dev.Enabled())
	assert.Equal(t, float32(0.5), dev.Duty())
}

// failingOutput rejects duty writes after the first few.
type failingOutput struct {
	*device.Mock
	allowed int
}

func (f *failingOutput) SetDuty(duty float32) error {
	if f.allowed <= 0 {
		return errors.New("pwm timer not responding")
	}
	f.allowed--
	return f.Mock.SetDuty(duty)
}

func TestLoop_OutputErrorIsCritical(t *testing.T) {
	cfg := config.Default()
	clk := clock.NewMock()
	mock := device.NewMock(cfg.Mock, clk)
	require.NoError(t, mock.Connect())
	dev := &failingOutput{Mock: mock, allowed: 1}
	l := New(cfg, dev, clk, zaptest.NewLogger(t).Sugar())

	steps(t, l, clk, 10) // initial duty written, no change yet
	assert.Equal(t, pwm.Nominal, l.Snapshot().Mode)

	err := l.Step(context.Background()) // 100 ms: first adjustment needs a write
	assert.ErrorIs(t, err, pwm.ErrFaulted)
	assert.Equal(t, pwm.Fault, l.Snapshot().Mode)
	assert.Contains(t, l.Snapshot().Cause, "pwm timer not responding")
	assert.False(t, mock.Enabled())
}

func TestLoop_TickWraparound(t *testing.T) {
	l, _, clk := newTestLoop(t, config.Default().Mock)
	l.tickBase = pwm.Tick(math.MaxUint32 - 200)

	steps(t, l, clk, 101)

	snap := l.Snapshot()
	assert.Less(t, uint32(snap.Tick), uint32(1000), "tick counter wrapped")
	assert.Equal(t, uint64(20), snap.Stats.Measurements)
	assert.Equal(t, uint64(10), snap.Stats.Adjustments)
	assert.Equal(t, config.DefaultController().MaxDuty, snap.DutyCycle)
}

func TestLoop_CancelledAcquisitionIsNotAFault(t *testing.T) {
	l, _, clk := newTestLoop(t, config.Default().Mock)
	steps(t, l, clk, 5) // 0..40 ms

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Step(ctx) // 50 ms: measurement
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pwm.Nominal, l.Snapshot().Mode)
}

func TestLoop_OnUpdate(t *testing.T) {
	l, _, clk := newTestLoop(t, config.Default().Mock)

	var mu sync.Mutex
	var snaps []pwm.Snapshot
	l.OnUpdate(func(s pwm.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	})

	steps(t, l, clk, 101)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, 21, "initialization plus one update per measurement")
	assert.True(t, snaps[0].Initialized)
	for i := 1; i < len(snaps); i++ {
		assert.Equal(t, uint64(i), snaps[i].Stats.Measurements)
	}
}

func TestLoop_Settings(t *testing.T) {
	l, _, _ := newTestLoop(t, config.Default().Mock)

	s := l.Settings()
	assert.Equal(t, config.DefaultController(), s.Controller)
	assert.Equal(t, config.DefaultEstimator(), s.Estimator)
	assert.Equal(t, config.DefaultLoss(), s.Loss)
	assert.Equal(t, 16, l.Diagnostics().Oversample)
}
