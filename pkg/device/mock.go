package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chewxy/math32"
	"github.com/itohio/adaptivepwm/pkg/config"
)

// Mock simulates the front end for testing and development.
//
// The reading follows base + amplitude*sin(2*pi*t/period) + coupling*(duty-0.5) + noise, where t
// is measured on the injected clock. Periodic excursions report a fixed out-of-range reading and
// a hardware fault can be scheduled after a delay.
type Mock struct {
	cfg   config.MockConfig
	clock clock.Clock

	mu          sync.RWMutex
	connected   bool
	startTime   time.Time
	duty        float32
	enabled     bool
	fault       error
	conversions uint64
	dutyWrites  uint64
}

// NewMock creates a new mocked device instance. A nil clock uses the wall clock.
func NewMock(cfg config.MockConfig, clk clock.Clock) *Mock {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Period <= 0 {
		cfg.Period = config.Default().Mock.Period
	}

	return &Mock{
		cfg:   cfg,
		clock: clk,
	}
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.startTime = m.clock.Now()
	m.fault = nil
	m.enabled = false

	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	m.enabled = false

	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Convert returns a simulated reading.
func (m *Mock) Convert(ctx context.Context) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	elapsed := m.clock.Since(m.startTime)
	if m.fault == nil && m.cfg.FaultAfter > 0 && elapsed >= m.cfg.FaultAfter {
		m.fault = faultError("simulated overcurrent")
	}
	if m.fault != nil {
		return 0, m.fault
	}

	m.conversions++

	if m.inExcursion(elapsed) {
		return m.cfg.ExcursionRaw, nil
	}

	phase := 2 * math32.Pi * float32(elapsed%m.cfg.Period) / float32(m.cfg.Period)
	value := m.cfg.Base + m.cfg.Amplitude*math32.Sin(phase)
	value += m.cfg.DutyCoupling * (m.duty - 0.5)
	// Deterministic pseudo noise so tests are reproducible.
	value += m.cfg.Noise * math32.Sin(float32(m.conversions)*1.7) * math32.Cos(float32(m.conversions)*0.3)

	return uint16(math32.Max(0, math32.Min(MaxReading, value))), nil
}

// inExcursion reports whether elapsed falls into an excursion window. The first excursion
// starts after one full ExcursionEvery.
func (m *Mock) inExcursion(elapsed time.Duration) bool {
	if m.cfg.ExcursionEvery <= 0 || elapsed < m.cfg.ExcursionEvery {
		return false
	}
	return elapsed%m.cfg.ExcursionEvery < m.cfg.ExcursionLength
}

// SetDuty records the requested duty cycle.
func (m *Mock) SetDuty(duty float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	m.duty = duty
	m.dutyWrites++
	return nil
}

// Enable records that the output is on.
func (m *Mock) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	m.enabled = true
	return nil
}

// Disable records that the output is off. It succeeds on a closed device.
func (m *Mock) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	return nil
}

// InjectFault makes every following conversion fail as a front end fault.
func (m *Mock) InjectFault(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = faultError(reason)
}

// Duty returns the last duty cycle written.
func (m *Mock) Duty() float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.duty
}

// Enabled returns whether the output is on.
func (m *Mock) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Conversions returns the number of successful conversions.
func (m *Mock) Conversions() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversions
}

// DutyWrites returns the number of SetDuty calls.
func (m *Mock) DutyWrites() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dutyWrites
}
