package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestSimulate_Nominal(t *testing.T) {
	cfg := config.Default()

	rec, err := simulate(context.Background(), cfg, 2*time.Second, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	snaps := rec.Snapshots()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, pwm.Nominal, last.Mode)
	assert.InDelta(t, 0.95, last.DutyCycle, 1e-6, "efficiency stays below target so duty ramps to max")
	assert.Empty(t, rec.Events())
}

func TestSimulate_Excursions(t *testing.T) {
	cfg := config.Default()
	cfg.Mock.ExcursionEvery = time.Second

	rec, err := simulate(context.Background(), cfg, 2*time.Second, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	events := rec.Events()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, pwm.Degraded, events[0].To)
	assert.Equal(t, pwm.Nominal, events[1].To)
}

func TestSimulate_StopsOnFault(t *testing.T) {
	cfg := config.Default()
	cfg.Mock.FaultAfter = 500 * time.Millisecond

	rec, err := simulate(context.Background(), cfg, 5*time.Second, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, pwm.Fault, events[0].To)

	snaps := rec.Snapshots()
	last := snaps[len(snaps)-1]
	assert.Equal(t, pwm.Fault, last.Mode)
	assert.Less(t, last.Timestamp.Sub(snaps[0].Timestamp), time.Second)
}

func TestSimulate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := simulate(ctx, config.Default(), time.Second, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, initConfig(path, false))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	assert.Error(t, initConfig(path, false), "existing file is kept")
	require.NoError(t, os.WriteFile(path, []byte("controller: {min_duty: 0.2}\n"), 0o644))
	require.NoError(t, initConfig(path, true))

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, float32(0.05), cfg.Controller.MinDuty)
}

// TestRunDaemon_GracefulShutdown tests that the daemon stops the loop and the server, disables
// the output and closes the device when the context is cancelled.
func TestRunDaemon_GracefulShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.Default()
	cfg.Monitor.Listen = "127.0.0.1:0"
	dev := device.NewMock(cfg.Mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, cfg, dev, clock.New(), zaptest.NewLogger(t).Sugar())
	}()

	require.Eventually(t, func() bool { return dev.DutyWrites() > 5 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, dev.Enabled())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}

	assert.False(t, dev.Enabled())
	assert.False(t, dev.IsConnected())
}

func TestRunDaemon_ConnectError(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.Port = filepath.Join(t.TempDir(), "missing-tty")
	dev := device.NewSerial(cfg.Serial, cfg.Sampler.Timeout, zaptest.NewLogger(t).Sugar())

	err := runDaemon(context.Background(), cfg, dev, clock.New(), zaptest.NewLogger(t).Sugar())
	assert.ErrorContains(t, err, "failed to connect")
}
