// Package pwm holds the adaptive duty-cycle core: parameter estimation, the efficiency model,
// the proportional duty-cycle controller and the safety supervisor. Nothing in this package
// blocks or touches hardware; the loop package drives it.
package pwm

import (
	"time"

	"github.com/chewxy/math32"
)

// RawSample is a reading in the sampler's native resolution (0-4095 for a 12-bit source).
type RawSample uint16

// Tick is a monotonic millisecond counter that wraps around at 2^32.
type Tick uint32

// Since returns the number of milliseconds elapsed from earlier to t.
// Unsigned subtraction keeps the result correct across a counter wraparound.
func (t Tick) Since(earlier Tick) uint32 {
	return uint32(t - earlier)
}

// Elapsed reports whether at least interval has passed from earlier to t.
func (t Tick) Elapsed(earlier Tick, interval time.Duration) bool {
	return int64(t.Since(earlier)) >= interval.Milliseconds()
}

// ElectricalParameters are the estimated parameters of the converter.
type ElectricalParameters struct {
	InductanceMH  float32 `json:"inductance_mh"`
	CapacitanceUF float32 `json:"capacitance_uf"`
	ESRMilliOhm   float32 `json:"esr_mohm"`
}

// ControlState is the single mutable record shared across the loop stages.
type ControlState struct {
	DutyCycle   float32 `json:"duty_cycle"`
	Efficiency  float32 `json:"efficiency"`
	Initialized bool    `json:"initialized"`
}

// TimingGate enforces the minimum spacing between measurements and adjustments.
type TimingGate struct {
	LastMeasurement Tick
	LastAdjustment  Tick
}

// Restart aligns both gates on now.
func (g *TimingGate) Restart(now Tick) {
	g.LastMeasurement = now
	g.LastAdjustment = now
}

// MeasurementDue reports whether a measurement should run at now and, if so, consumes the slot.
func (g *TimingGate) MeasurementDue(now Tick, interval time.Duration) bool {
	if !now.Elapsed(g.LastMeasurement, interval) {
		return false
	}
	g.LastMeasurement = now
	return true
}

// Stats are counters collected by the loop for diagnostics.
type Stats struct {
	Ticks               uint64 `json:"ticks"`
	Measurements        uint64 `json:"measurements"`
	MeasurementFailures uint64 `json:"measurement_failures"`
	Adjustments         uint64 `json:"adjustments"`
	DutyChanges         uint64 `json:"duty_changes"`
	Faults              uint64 `json:"faults"`
	Resets              uint64 `json:"resets"`
}

// Transition records a supervisor state change.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	Tick      Tick      `json:"tick"`
	From      Mode      `json:"from"`
	To        Mode      `json:"to"`
	Cause     string    `json:"cause,omitempty"`
}

// Snapshot is a consistent copy of the loop state for monitoring clients.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Tick      Tick      `json:"tick"`
	Uptime    float64   `json:"uptime_seconds"`

	ControlState
	ElectricalParameters

	Mode  Mode   `json:"mode"`
	Cause string `json:"cause,omitempty"`
	Stats Stats  `json:"stats"`
}

// clamp limits v to [lo, hi].
func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}
