// Package device provides the acquisition and output boundary of the control loop: a serial
// connection to the front end MCU and a simulated front end for tests and development.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the standard baud rate of the front end.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the default number of readings buffered before the oldest is dropped.
	DefaultBufferSize = 256
	// DefaultTimeout is the default maximum wait for a single conversion.
	DefaultTimeout = 20 * time.Millisecond
	// MaxReading is the largest reading of the 12-bit front end.
	MaxReading = 1<<12 - 1
)

var (
	// ErrNotConnected is returned by operations on a closed device.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout is returned when no conversion completes in time.
	ErrTimeout = errors.New("conversion timed out")
	// ErrFault is returned once the front end reported a hardware fault.
	ErrFault = errors.New("front end fault")
)

// Converter performs one analog-to-digital conversion.
type Converter interface {
	Convert(ctx context.Context) (uint16, error)
}

// Output drives the PWM stage.
type Output interface {
	SetDuty(duty float32) error
	Enable() error
	Disable() error
}

// Device defines the interface for front ends (real or mocked).
type Device interface {
	Connect() error
	Close() error
	IsConnected() bool
	Converter
	Output
}

var (
	_ Device = (*Serial)(nil)
	_ Device = (*Mock)(nil)
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(details))
	for _, d := range details {
		desc := d.Name
		if d.IsUSB {
			desc = fmt.Sprintf("%s (USB %s:%s %s)", d.Name, d.VID, d.PID, d.Product)
		}
		result = append(result, Port{Name: d.Name, Description: desc})
	}

	return result, nil
}

func faultError(reason string) error {
	if reason == "" {
		return ErrFault
	}
	return fmt.Errorf("%w: %s", ErrFault, reason)
}
