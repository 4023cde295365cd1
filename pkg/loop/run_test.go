package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// advanceUntil moves the mock clock one tick at a time until cond holds or limit ticks passed.
func advanceUntil(clk interface{ Add(time.Duration) }, limit int, cond func() bool) bool {
	for i := 0; i < limit; i++ {
		if cond() {
			return true
		}
		clk.Add(tick)
	}
	return cond()
}

// TestLoop_Run_GracefulShutdown tests that Run stops on cancellation, disables the output
// and stops sending callbacks.
func TestLoop_Run_GracefulShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, dev, clk := newTestLoop(t, config.Default().Mock)
	maxDuty := config.DefaultController().MaxDuty

	var updates atomic.Int64
	l.OnUpdate(func(pwm.Snapshot) { updates.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ok := advanceUntil(clk, 1000, func() bool { return l.Snapshot().DutyCycle == maxDuty })
	require.True(t, ok, "duty should ramp to its upper limit")
	assert.True(t, dev.Enabled())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.False(t, dev.Enabled(), "output is disabled on shutdown")
	assert.Positive(t, updates.Load())

	count := updates.Load()
	clk.Add(time.Second)
	_ = l.Step(context.Background())
	assert.Equal(t, count, updates.Load(), "no callbacks after shutdown")
}

// TestLoop_Run_WaitsForReset tests that Run halts in the fault state until Reset.
func TestLoop_Run_WaitsForReset(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, dev, clk := newTestLoop(t, config.Default().Mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.True(t, advanceUntil(clk, 100, func() bool { return l.Snapshot().Stats.Measurements > 2 }))

	dev.InjectFault("overcurrent")
	require.True(t, advanceUntil(clk, 100, func() bool { return l.Snapshot().Mode == pwm.Fault }))
	ticks := l.Snapshot().Stats.Ticks

	advanceUntil(clk, 20, func() bool { return false })
	assert.Equal(t, ticks, l.Snapshot().Stats.Ticks, "halted while faulted")
	assert.False(t, dev.Enabled())

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Connect())
	l.Reset()

	ok := advanceUntil(clk, 100, func() bool {
		s := l.Snapshot()
		return s.Mode == pwm.Nominal && s.Initialized && s.Stats.Ticks > ticks
	})
	require.True(t, ok, "loop resumes after reset")
	assert.True(t, dev.Enabled())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
