//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_INTERVAL_MS = 1 // ADC conversion interval in milliseconds

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// PWM configuration
	PWM_FREQUENCY = 100_000 // Switching frequency in Hz
	MIN_DUTY      = 0.0
	MAX_DUTY      = 1.0

	// Sense pin
	PIN_ADC = machine.A1

	// Gate drive output
	PIN_PWM = machine.D10

	// Over-current comparator output, active low
	PIN_OVERCURRENT = machine.D3

	// Serial configuration
	// Line format "unix_micros,reading\n": "1234567890123456,4095\n" = 22 bytes max per line
	// 1000 lines/sec * 22 bytes/line = 22,000 bytes/sec
	// UART 8N1: 10 bits/byte = 220,000 baud minimum; the USB CDC link is not limited by the
	// nominal rate, 115200 is kept for hardware UART bridges at reduced sample rates.
	UART_BAUD_RATE = 115200
)

// pwmTimer drives PIN_PWM.
var pwmTimer = machine.TCC1
