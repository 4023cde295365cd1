//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"machine"
	"strconv"
	"time"
)

var (
	adcSense machine.ADC
	uart     = machine.UART0

	pwmChannel uint8

	// Output state
	duty    float32
	enabled bool
	faulted bool

	// Timing
	lastADCRead time.Time

	// Serial buffer for reading lines
	serialBuffer [16]byte
	serialPos    int
)

func main() {
	// Over-current comparator pulls the pin low
	PIN_OVERCURRENT.Configure(machine.PinConfig{Mode: machine.PinInputPullup})

	PIN_ADC.Configure(machine.PinConfig{Mode: machine.PinInput})
	adcSense = machine.ADC{Pin: PIN_ADC}
	adcSense.Configure(machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	})

	err := pwmTimer.Configure(machine.PWMConfig{Period: machine.GHz * 1 / PWM_FREQUENCY})
	if err != nil {
		halt("pwm")
	}
	pwmChannel, err = pwmTimer.Channel(PIN_PWM)
	if err != nil {
		halt("pwm channel")
	}
	applyDuty()

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	lastADCRead = time.Now()

	for {
		now := time.Now()

		checkOvercurrent()

		// Check for serial input (non-blocking)
		processSerial()

		if now.Sub(lastADCRead) >= time.Duration(SAMPLE_INTERVAL_MS)*time.Millisecond {
			outputReading(now, adcSense.Get())
			lastADCRead = now
		}

		// Small delay to prevent tight loop (but still allow precise timing)
		time.Sleep(100 * time.Microsecond)
	}
}

// outputReading prints one conversion as "unix_micros,reading\n".
func outputReading(now time.Time, value uint16) {
	// machine.ADC.Get scales to 16 bits regardless of resolution
	reading := value >> (16 - ADC_RESOLUTION)

	print(now.UnixNano() / 1000)
	print(",")
	print(reading)
	print("\n")
}

// checkOvercurrent latches a fault and disables the output while the comparator is active.
func checkOvercurrent() {
	if faulted || PIN_OVERCURRENT.Get() {
		return
	}
	faulted = true
	enabled = false
	applyDuty()
	print("F,overcurrent\n")
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos > 0 {
				handleCommand(serialBuffer[:serialPos])
			}
			serialPos = 0
			continue
		}

		// Ignore whitespace
		if data == ' ' || data == '\t' {
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		} else {
			// Overlong line - drop it
			serialPos = 0
		}
	}
}

// handleCommand applies "D<duty>", "E" (enable) or "X" (disable).
func handleCommand(cmd []byte) {
	switch cmd[0] {
	case 'D':
		v, err := strconv.ParseFloat(string(cmd[1:]), 32)
		if err != nil {
			return
		}
		duty = max(MIN_DUTY, min(MAX_DUTY, float32(v)))
	case 'E':
		// A latched fault clears only once the comparator has released.
		if !PIN_OVERCURRENT.Get() {
			return
		}
		faulted = false
		enabled = true
	case 'X':
		enabled = false
	default:
		return
	}
	applyDuty()
}

func applyDuty() {
	if !enabled || faulted {
		pwmTimer.Set(pwmChannel, 0)
		return
	}
	top := pwmTimer.Top()
	pwmTimer.Set(pwmChannel, uint32(float32(top)*duty))
}

// halt reports an unrecoverable setup error forever.
func halt(reason string) {
	for {
		print("F,")
		print(reason)
		print("\n")
		time.Sleep(time.Second)
	}
}
