package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/adaptivepwm/pkg/config"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reading is a single conversion reported by the front end.
type Reading struct {
	Timestamp time.Time
	Value     uint16 // 12-bit ADC reading (0-4095)
}

// Serial represents a connection to the front end MCU.
//
// Inbound lines are either "<unix_micros>,<reading>" or "F,<reason>". Outbound commands are
// "D<duty>\n", "E\n" and "X\n".
type Serial struct {
	port     string
	baudRate int
	bufSize  int
	timeout  time.Duration
	log      *zap.SugaredLogger

	mu        sync.RWMutex
	conn      io.ReadWriteCloser
	readings  chan Reading
	faulted   chan struct{}
	fault     error
	done      chan struct{}
	connected bool

	writeMu sync.Mutex
	dropped atomic.Uint64
}

// NewSerial creates a new serial front end. Convert waits at most timeout for a reading.
func NewSerial(cfg config.SerialConfig, timeout time.Duration, logger *zap.SugaredLogger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Serial{
		port:     cfg.Port,
		baudRate: cfg.BaudRate,
		bufSize:  cfg.BufferSize,
		timeout:  timeout,
		log:      logger.With("port", cfg.Port),
	}
}

// Connect opens the serial port and starts reading conversions.
func (d *Serial) Connect() error {
	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}
	if err := d.attach(port); err != nil {
		port.Close()
		return err
	}
	d.log.Infow("connected", "baud_rate", d.baudRate)
	return nil
}

// attach starts reading from an already opened connection.
func (d *Serial) attach(conn io.ReadWriteCloser) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	d.conn = conn
	d.readings = make(chan Reading, d.bufSize)
	d.faulted = make(chan struct{})
	d.fault = nil
	d.done = make(chan struct{})
	d.connected = true

	go d.readLines(conn, d.readings, d.done)

	return nil
}

// Close disables the output, closes the port and waits for the reader to stop.
func (d *Serial) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	d.connected = false
	conn, done, readings := d.conn, d.done, d.readings
	d.conn = nil
	d.mu.Unlock()

	err := multierr.Append(d.write(conn, "X\n"), conn.Close())
	<-done
	close(readings)

	if err != nil {
		d.log.Warnw("closed with errors", "error", err)
		return fmt.Errorf("failed to close serial port %s: %w", d.port, err)
	}
	d.log.Infow("disconnected", "dropped", d.dropped.Load())
	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Dropped returns the number of readings discarded because the buffer was full.
func (d *Serial) Dropped() uint64 {
	return d.dropped.Load()
}

// Convert returns the oldest buffered reading, waiting for one up to the configured timeout.
func (d *Serial) Convert(ctx context.Context) (uint16, error) {
	d.mu.RLock()
	connected, readings, faulted, fault := d.connected, d.readings, d.faulted, d.fault
	d.mu.RUnlock()

	if !connected {
		return 0, ErrNotConnected
	}
	if fault != nil {
		return 0, fault
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case r, ok := <-readings:
		if !ok {
			return 0, ErrNotConnected
		}
		return r.Value, nil
	case <-faulted:
		d.mu.RLock()
		defer d.mu.RUnlock()
		return 0, d.fault
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, fmt.Errorf("%w after %s", ErrTimeout, d.timeout)
	}
}

// SetDuty sends the duty cycle to the front end.
func (d *Serial) SetDuty(duty float32) error {
	return d.command(fmt.Sprintf("D%.4f\n", duty))
}

// Enable turns the PWM output on.
func (d *Serial) Enable() error {
	return d.command("E\n")
}

// Disable turns the PWM output off.
func (d *Serial) Disable() error {
	return d.command("X\n")
}

func (d *Serial) command(cmd string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return ErrNotConnected
	}
	if err := d.write(d.conn, cmd); err != nil {
		return fmt.Errorf("failed to send command %q: %w", strings.TrimSpace(cmd), err)
	}
	return nil
}

func (d *Serial) write(conn io.Writer, cmd string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := io.WriteString(conn, cmd)
	return err
}

// readLines parses lines from the front end until the connection is closed.
func (d *Serial) readLines(r io.Reader, readings chan Reading, done chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			d.log.Errorw("panic in reader", "panic", p)
		}
	}()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if reason, ok := parseFault(line); ok {
			d.setFault(reason)
			continue
		}

		reading, err := parseLine(line)
		if err != nil {
			d.log.Debugw("failed to parse line", "line", line, "error", err)
			continue
		}
		d.push(readings, reading)
	}

	if err := scanner.Err(); err != nil && d.IsConnected() {
		d.log.Errorw("error reading from serial port", "error", err)
	}
}

// push buffers a reading, discarding the oldest one when the buffer is full.
// Only the reader goroutine sends, so the loop terminates.
func (d *Serial) push(readings chan Reading, r Reading) {
	for {
		select {
		case readings <- r:
			return
		default:
		}
		select {
		case <-readings:
			if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
				d.log.Warnw("readings buffer full, dropping oldest", "dropped", n)
			}
		default:
		}
	}
}

func (d *Serial) setFault(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fault != nil {
		return
	}
	d.fault = faultError(reason)
	close(d.faulted)
	d.log.Errorw("front end reported a fault", "reason", reason)
}

// parseFault recognises "F,<reason>" lines.
func parseFault(line string) (string, bool) {
	if line == "F" {
		return "", true
	}
	reason, ok := strings.CutPrefix(line, "F,")
	return strings.TrimSpace(reason), ok
}

// parseLine parses a conversion line from the MCU.
// Format: unix_micros,reading
// Example: 1234567890123,2048
func parseLine(line string) (Reading, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return Reading{}, fmt.Errorf("invalid line format: expected 2 comma-separated values, got %d", len(parts))
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	value, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Reading{}, fmt.Errorf("invalid reading: %w", err)
	}
	if value > MaxReading {
		return Reading{}, fmt.Errorf("reading out of range: %d (max %d)", value, MaxReading)
	}

	return Reading{
		Timestamp: time.UnixMicro(micros),
		Value:     uint16(value),
	}, nil
}
