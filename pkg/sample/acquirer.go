// Package sample acquires oversampled raw readings from a converter.
package sample

import (
	"context"
	"fmt"

	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/pwm"
)

// DefaultOversample is the number of conversions averaged per sample.
const DefaultOversample = 16

// Acquirer averages consecutive conversions into one raw sample to reduce noise.
type Acquirer struct {
	conv device.Converter
	n    int
	max  uint32
}

// NewAcquirer creates an acquirer over conv.
func NewAcquirer(conv device.Converter, cfg config.SamplerConfig) *Acquirer {
	n := cfg.Oversample
	if n <= 0 {
		n = DefaultOversample
	}
	bits := cfg.Resolution
	if bits <= 0 || bits > 16 {
		bits = 12
	}

	return &Acquirer{
		conv: conv,
		n:    n,
		max:  1<<bits - 1,
	}
}

// Oversample returns the number of conversions per sample.
func (a *Acquirer) Oversample() int {
	return a.n
}

// Sample performs the configured number of conversions and returns their mean, truncated
// to the native integer width. The value is not validated. Any conversion error aborts the
// sample and is reported as a hardware fault, unless ctx itself was cancelled.
func (a *Acquirer) Sample(ctx context.Context) (pwm.RawSample, error) {
	var sum uint64
	for i := range a.n {
		v, err := a.conv.Convert(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%w: conversion %d of %d: %w", pwm.ErrHardwareFault, i+1, a.n, err)
		}
		sum += uint64(v)
	}

	mean := sum / uint64(a.n)
	if mean > uint64(a.max) {
		mean = uint64(a.max)
	}
	return pwm.RawSample(mean), nil
}
