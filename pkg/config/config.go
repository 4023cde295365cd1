package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial     SerialConfig     `yaml:"serial"`
	Sampler    SamplerConfig    `yaml:"sampler"`
	Controller ControllerConfig `yaml:"controller"`
	Estimator  EstimatorConfig  `yaml:"estimator"`
	Loss       LossConfig       `yaml:"loss"`
	Mock       MockConfig       `yaml:"mock"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Trace      TraceConfig      `yaml:"trace"`
	Log        LogConfig        `yaml:"log"`
}

// SerialConfig contains serial port configuration of the acquisition front end.
type SerialConfig struct {
	Port       string `yaml:"port"`
	BaudRate   int    `yaml:"baud_rate"`
	BufferSize int    `yaml:"buffer_size"` // Buffered readings before the oldest is dropped
}

// SamplerConfig controls the sample acquirer.
type SamplerConfig struct {
	Oversample int           `yaml:"oversample"` // Conversions averaged per sample
	Resolution int           `yaml:"resolution"` // Native ADC resolution in bits
	Timeout    time.Duration `yaml:"timeout"`    // Maximum wait for a single conversion
}

// ControllerConfig is immutable during operation and supplied at initialization.
type ControllerConfig struct {
	MinDuty             float32       `yaml:"min_duty" json:"min_duty"`
	MaxDuty             float32       `yaml:"max_duty" json:"max_duty"`
	InitialDuty         float32       `yaml:"initial_duty" json:"initial_duty"`
	NeutralDuty         float32       `yaml:"neutral_duty" json:"neutral_duty"` // Forced while degraded
	TargetEfficiency    float32       `yaml:"target_efficiency" json:"target_efficiency"`
	Gain                float32       `yaml:"gain" json:"gain"`
	Hysteresis          float32       `yaml:"hysteresis" json:"hysteresis"`
	MeasurementInterval time.Duration `yaml:"measurement_interval" json:"measurement_interval"`
	AdjustmentInterval  time.Duration `yaml:"adjustment_interval" json:"adjustment_interval"`
	TickInterval        time.Duration `yaml:"tick_interval" json:"tick_interval"`
}

// ChannelConfig maps a raw reading onto one electrical parameter: value = raw*slope + offset,
// accepted when value lies within [min, max].
type ChannelConfig struct {
	Slope  float32 `yaml:"slope" json:"slope"`
	Offset float32 `yaml:"offset" json:"offset"`
	Min    float32 `yaml:"min" json:"min"`
	Max    float32 `yaml:"max" json:"max"`
}

// EstimatorConfig contains the placeholder calibration of the parameter estimator.
type EstimatorConfig struct {
	Inductance  ChannelConfig `yaml:"inductance" json:"inductance"`   // mH
	Capacitance ChannelConfig `yaml:"capacitance" json:"capacitance"` // µF
	ESR         ChannelConfig `yaml:"esr" json:"esr"`                 // mΩ
}

// LossConfig contains the efficiency model coefficients.
type LossConfig struct {
	SwitchingCoefficient float32 `yaml:"switching_coefficient" json:"switching_coefficient"`
	ESRScale             float32 `yaml:"esr_scale" json:"esr_scale"` // 1.0 uses mΩ verbatim
	Floor                float32 `yaml:"floor" json:"floor"`
}

// MockConfig contains simulated front end configuration.
type MockConfig struct {
	Base            float32       `yaml:"base"`             // Mean raw reading
	Amplitude       float32       `yaml:"amplitude"`        // Slow drift amplitude (counts)
	Period          time.Duration `yaml:"period"`           // Drift period
	Noise           float32       `yaml:"noise"`            // Noise amplitude (counts)
	DutyCoupling    float32       `yaml:"duty_coupling"`    // Counts per unit of duty away from 0.5
	ExcursionRaw    uint16        `yaml:"excursion_raw"`    // Reading reported during an excursion
	ExcursionEvery  time.Duration `yaml:"excursion_every"`  // 0 disables excursions
	ExcursionLength time.Duration `yaml:"excursion_length"` // Duration of each excursion
	FaultAfter      time.Duration `yaml:"fault_after"`      // 0 disables the simulated hardware fault
}

// MonitorConfig contains the monitoring server/client configuration.
type MonitorConfig struct {
	Listen       string        `yaml:"listen"`
	Endpoint     string        `yaml:"endpoint"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TraceConfig contains trace recorder parameters.
type TraceConfig struct {
	WindowSeconds float64 `yaml:"window_seconds"`
	MaxPoints     int     `yaml:"max_points"`
}

// LogConfig contains logger configuration.
type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // console or json
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:       "/dev/ttyACM0",
			BaudRate:   115200,
			BufferSize: 256,
		},
		Sampler: SamplerConfig{
			Oversample: 16,
			Resolution: 12,
			Timeout:    20 * time.Millisecond,
		},
		Controller: DefaultController(),
		Estimator:  DefaultEstimator(),
		Loss:       DefaultLoss(),
		Mock: MockConfig{
			Base:            100,
			Amplitude:       20,
			Period:          20 * time.Second,
			Noise:           2,
			DutyCoupling:    40,
			ExcursionRaw:    600,
			ExcursionEvery:  0,
			ExcursionLength: 200 * time.Millisecond,
			FaultAfter:      0,
		},
		Monitor: MonitorConfig{
			Listen:       ":8080",
			Endpoint:     "http://localhost:8080",
			PollInterval: 200 * time.Millisecond,
		},
		Trace: TraceConfig{
			WindowSeconds: 30,
			MaxPoints:     1000,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// DefaultController returns the reference controller configuration.
func DefaultController() ControllerConfig {
	return ControllerConfig{
		MinDuty:             0.05,
		MaxDuty:             0.95,
		InitialDuty:         0.5,
		NeutralDuty:         0.5,
		TargetEfficiency:    0.95,
		Gain:                0.05,
		Hysteresis:          0.001,
		MeasurementInterval: 50 * time.Millisecond,
		AdjustmentInterval:  100 * time.Millisecond,
		TickInterval:        10 * time.Millisecond,
	}
}

// DefaultEstimator returns the reference (uncalibrated) estimator mapping.
func DefaultEstimator() EstimatorConfig {
	return EstimatorConfig{
		Inductance:  ChannelConfig{Slope: 0.1, Offset: 0.1, Min: 0.01, Max: 100.0},
		Capacitance: ChannelConfig{Slope: 0.05, Offset: 1.0, Min: 0.1, Max: 1000.0},
		ESR:         ChannelConfig{Slope: 0.2, Offset: 0.5, Min: 0.0, Max: 100.0},
	}
}

// DefaultLoss returns the reference loss model coefficients.
func DefaultLoss() LossConfig {
	return LossConfig{
		SwitchingCoefficient: 0.01,
		ESRScale:             1.0,
		Floor:                0.0001,
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MaxOversample is the largest accepted number of conversions per sample.
const MaxOversample = 4096

// Validate checks the controller invariants that cannot be repaired with defaults.
func (c *Config) Validate() error {
	ctl := c.Controller
	var errs []error

	if ctl.MinDuty < 0 || ctl.MaxDuty > 1 || ctl.MinDuty >= ctl.MaxDuty {
		errs = append(errs, fmt.Errorf("duty limits must satisfy 0 <= min_duty < max_duty <= 1, got [%g, %g]", ctl.MinDuty, ctl.MaxDuty))
	}
	if ctl.TargetEfficiency < 0 || ctl.TargetEfficiency > 1 {
		errs = append(errs, fmt.Errorf("target_efficiency must be within [0, 1], got %g", ctl.TargetEfficiency))
	}
	if ctl.Hysteresis < 0 {
		errs = append(errs, fmt.Errorf("hysteresis must not be negative, got %g", ctl.Hysteresis))
	}
	if ctl.MeasurementInterval <= 0 || ctl.AdjustmentInterval <= 0 || ctl.TickInterval <= 0 {
		errs = append(errs, errors.New("measurement, adjustment and tick intervals must be positive"))
	}
	for name, ch := range map[string]ChannelConfig{
		"inductance":  c.Estimator.Inductance,
		"capacitance": c.Estimator.Capacitance,
		"esr":         c.Estimator.ESR,
	} {
		if ch.Min > ch.Max {
			errs = append(errs, fmt.Errorf("estimator %s bounds are inverted: [%g, %g]", name, ch.Min, ch.Max))
		}
	}
	if c.Sampler.Oversample > MaxOversample {
		errs = append(errs, fmt.Errorf("sampler oversample of %d exceeds %d conversions", c.Sampler.Oversample, MaxOversample))
	}
	if c.Sampler.Resolution > 16 {
		errs = append(errs, fmt.Errorf("sampler resolution of %d bits does not fit a 16-bit sample", c.Sampler.Resolution))
	}

	return errors.Join(errs...)
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.BufferSize == 0 {
		c.Serial.BufferSize = def.Serial.BufferSize
	}

	if c.Sampler.Oversample <= 0 {
		c.Sampler.Oversample = def.Sampler.Oversample
	}
	if c.Sampler.Resolution <= 0 {
		c.Sampler.Resolution = def.Sampler.Resolution
	}
	if c.Sampler.Timeout == 0 {
		c.Sampler.Timeout = def.Sampler.Timeout
	}

	if c.Controller.MaxDuty == 0 {
		c.Controller.MaxDuty = def.Controller.MaxDuty
	}
	if c.Controller.MeasurementInterval == 0 {
		c.Controller.MeasurementInterval = def.Controller.MeasurementInterval
	}
	if c.Controller.AdjustmentInterval == 0 {
		c.Controller.AdjustmentInterval = def.Controller.AdjustmentInterval
	}
	if c.Controller.TickInterval == 0 {
		c.Controller.TickInterval = def.Controller.TickInterval
	}

	if c.Loss.ESRScale == 0 {
		c.Loss.ESRScale = def.Loss.ESRScale
	}

	if c.Mock.Period == 0 {
		c.Mock.Period = def.Mock.Period
	}
	if c.Mock.ExcursionLength == 0 {
		c.Mock.ExcursionLength = def.Mock.ExcursionLength
	}

	if c.Monitor.Listen == "" {
		c.Monitor.Listen = def.Monitor.Listen
	}
	if c.Monitor.Endpoint == "" {
		c.Monitor.Endpoint = def.Monitor.Endpoint
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = def.Monitor.PollInterval
	}

	if c.Trace.WindowSeconds == 0 {
		c.Trace.WindowSeconds = def.Trace.WindowSeconds
	}
	if c.Trace.MaxPoints == 0 {
		c.Trace.MaxPoints = def.Trace.MaxPoints
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = def.Log.Encoding
	}
}
