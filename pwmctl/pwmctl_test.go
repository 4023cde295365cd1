package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/loop"
	"github.com/itohio/adaptivepwm/pkg/monitor"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestDaemon(t *testing.T) (*loop.Loop, string) {
	t.Helper()

	cfg := config.Default()
	clk := clock.NewMock()
	dev := device.NewMock(cfg.Mock, clk)
	require.NoError(t, dev.Connect())
	l := loop.New(cfg, dev, clk, zaptest.NewLogger(t).Sugar())
	for i := 0; i < 11; i++ {
		require.NoError(t, l.Step(context.Background()))
		clk.Add(10 * time.Millisecond)
	}

	ts := httptest.NewServer(monitor.NewServer(":0", l, zaptest.NewLogger(t).Sugar()).Handler())
	t.Cleanup(ts.Close)
	return l, ts.URL
}

func execute(t *testing.T, endpoint string, args ...string) (string, error) {
	t.Helper()

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--no-color", "--endpoint", endpoint}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatus(t *testing.T) {
	_, endpoint := newTestDaemon(t)

	out, err := execute(t, endpoint, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Status")
	assert.Contains(t, out, "nominal")
	assert.Contains(t, out, "Duty cycle")
	assert.Contains(t, out, "mH")
}

func TestStatus_JSON(t *testing.T) {
	l, endpoint := newTestDaemon(t)

	out, err := execute(t, endpoint, "status", "--json")
	require.NoError(t, err)

	var s pwm.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, l.Snapshot().ControlState, s.ControlState)
	assert.Equal(t, pwm.Nominal, s.Mode)
}

func TestConfig(t *testing.T) {
	_, endpoint := newTestDaemon(t)

	out, err := execute(t, endpoint, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "Target efficiency")
	assert.Contains(t, out, "95.00 %")
	assert.Contains(t, out, "ESR (mΩ)")
	assert.Contains(t, out, "Switching coefficient")
}

func TestTripAndReset(t *testing.T) {
	l, endpoint := newTestDaemon(t)

	out, err := execute(t, endpoint, "trip", "manual", "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "tripped: mode fault")
	assert.Contains(t, out, "manual stop")
	assert.Equal(t, pwm.Fault, l.Snapshot().Mode)

	out, err = execute(t, endpoint, "trip", "again")
	require.NoError(t, err)
	assert.Contains(t, out, "already faulted")

	out, err = execute(t, endpoint, "diagnostics")
	require.NoError(t, err)
	assert.Contains(t, out, "Transitions")
	assert.Contains(t, out, "Output enabled")

	out, err = execute(t, endpoint, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "reset: mode nominal")
	assert.Equal(t, pwm.Nominal, l.Snapshot().Mode)
}

func TestTrip_RequiresReason(t *testing.T) {
	_, endpoint := newTestDaemon(t)

	_, err := execute(t, endpoint, "trip")
	assert.Error(t, err)
}

func TestMonitor(t *testing.T) {
	_, endpoint := newTestDaemon(t)

	out, err := execute(t, endpoint, "monitor", "--count", "3", "--interval", "10ms")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, monitorHeader(), lines[0])
	for _, line := range lines[1:] {
		assert.Contains(t, line, "nominal")
	}
}

func TestStatus_Unreachable(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:1", "status", "--timeout", "200ms")
	assert.Error(t, err)
}

func TestMonitorLine(t *testing.T) {
	disableColor()

	s := pwm.Snapshot{
		Timestamp:            time.Date(2024, 1, 1, 12, 30, 15, 250e6, time.UTC),
		ControlState:         pwm.ControlState{DutyCycle: 0.5, Efficiency: 0.25},
		ElectricalParameters: pwm.ElectricalParameters{InductanceMH: 10.1, CapacitanceUF: 6, ESRMilliOhm: 20.5},
		Mode:                 pwm.Degraded,
	}
	assert.Equal(t, "12:30:15.250 degraded     50.00 %   25.00 %     10.100       6.00      20.50", monitorLine(s))
}
