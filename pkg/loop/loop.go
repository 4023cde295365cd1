// Package loop schedules the adaptive PWM pipeline against a monotonic tick source.
//
// Each tick runs the gated stages in order: measurement (acquire, estimate, efficiency) at
// most once per measurement interval, then at most one duty adjustment per adjustment
// interval, then the output update. The safety supervisor observes every stage.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/itohio/adaptivepwm/pkg/sample"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxTransitions is the number of supervisor transitions kept for diagnostics.
const maxTransitions = 32

// ErrTripped is the cause recorded when a fault is raised through Trip.
var ErrTripped = errors.New("tripped")

// Device is the hardware the loop drives.
type Device interface {
	device.Converter
	device.Output
}

// Settings is the immutable configuration of a running loop.
type Settings struct {
	Controller config.ControllerConfig `json:"controller"`
	Estimator  config.EstimatorConfig  `json:"estimator"`
	Loss       config.LossConfig       `json:"loss"`
}

// Diagnostics extends a snapshot with output and history details.
type Diagnostics struct {
	pwm.Snapshot
	AppliedDuty   float32          `json:"applied_duty"`
	OutputEnabled bool             `json:"output_enabled"`
	Oversample    int              `json:"oversample"`
	Transitions   []pwm.Transition `json:"transitions"`
}

// Loop owns the control state and drives the pipeline.
type Loop struct {
	settings Settings
	out      device.Output
	acq      *sample.Acquirer
	est      pwm.Estimator
	loss     pwm.LossModel
	ctrl     pwm.Controller
	clock    clock.Clock
	log      *zap.SugaredLogger

	mu          sync.RWMutex
	sup         *pwm.Supervisor
	state       pwm.ControlState
	params      pwm.ElectricalParameters
	gate        pwm.TimingGate
	stats       pwm.Stats
	transitions []pwm.Transition
	appliedDuty float32
	outputOn    bool
	generation  uint64

	epoch    time.Time
	tickBase pwm.Tick
	resetCh  chan struct{}

	callbacks []func(pwm.Snapshot)
	cbMu      sync.RWMutex
	shutdown  bool
}

// New creates a loop over dev. A nil clock uses the wall clock; a nil logger discards logs.
func New(cfg *config.Config, dev Device, clk clock.Clock, logger *zap.SugaredLogger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Loop{
		settings: Settings{
			Controller: cfg.Controller,
			Estimator:  cfg.Estimator,
			Loss:       cfg.Loss,
		},
		out:     dev,
		acq:     sample.NewAcquirer(dev, cfg.Sampler),
		est:     pwm.NewEstimator(cfg.Estimator),
		loss:    pwm.NewLossModel(cfg.Loss),
		ctrl:    pwm.NewController(cfg.Controller),
		clock:   clk,
		log:     logger,
		sup:     pwm.NewSupervisor(cfg.Controller),
		epoch:   clk.Now(),
		resetCh: make(chan struct{}, 1),
	}
}

// Now returns the current tick: milliseconds since the loop was created, wrapping at 2^32.
func (l *Loop) Now() pwm.Tick {
	return l.tickBase + pwm.Tick(uint32(l.clock.Since(l.epoch).Milliseconds()))
}

// Run drives Step every tick interval until ctx is done. While faulted it waits for Reset.
// The output is disabled on return.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.settings.Controller.TickInterval
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	l.log.Infow("control loop started", "tick_interval", interval)
	defer l.stop()

	for {
		err := l.Step(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, pwm.ErrFaulted):
			l.log.Warnw("control loop halted, waiting for reset", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-l.resetCh:
				l.log.Infow("control loop resumed")
				continue
			}
		case err != nil:
			l.log.Debugw("tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) stop() {
	if err := l.out.Disable(); err != nil {
		l.log.Warnw("failed to disable output", "error", err)
	}

	l.mu.Lock()
	l.outputOn = false
	l.mu.Unlock()

	l.cbMu.Lock()
	l.shutdown = true
	l.cbMu.Unlock()

	l.log.Infow("control loop stopped")
}

// Step runs exactly one tick. It returns pwm.ErrFaulted once the fault state is latched.
func (l *Loop) Step(ctx context.Context) error {
	l.mu.Lock()
	now := l.Now()

	// A fault latched before initialization, e.g. a trip right after Reset, keeps the
	// output off until the next Reset.
	if l.sup.Latched() {
		l.mu.Unlock()
		return pwm.ErrFaulted
	}

	notify := false
	if !l.state.Initialized {
		l.initialize(now)
		notify = true
		if l.sup.Latched() {
			l.mu.Unlock()
			l.notifyCallbacks()
			return pwm.ErrFaulted
		}
	}

	l.stats.Ticks++
	due := l.gate.MeasurementDue(now, l.settings.Controller.MeasurementInterval)
	gen := l.generation
	l.mu.Unlock()

	// Acquisition may block, so it runs without the lock.
	var (
		raw    pwm.RawSample
		acqErr error
	)
	if due {
		raw, acqErr = l.acq.Sample(ctx)
		if acqErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	l.mu.Lock()
	err := l.advance(now, gen, due, raw, acqErr)
	l.mu.Unlock()

	if due || err != nil || notify {
		l.notifyCallbacks()
	}
	return err
}

// advance applies the stages of one tick. Must be called with the lock held.
func (l *Loop) advance(now pwm.Tick, gen uint64, measured bool, raw pwm.RawSample, acqErr error) error {
	if gen != l.generation {
		// Reset while acquiring: the sample belongs to the previous run.
		return nil
	}
	if l.sup.Latched() {
		return pwm.ErrFaulted
	}

	if measured {
		if acqErr != nil {
			l.fault(now, acqErr)
			return fmt.Errorf("%w: %w", pwm.ErrFaulted, acqErr)
		}
		l.measure(now, raw)
	}

	ctl := l.settings.Controller
	if l.sup.Mode() == pwm.Nominal && now.Elapsed(l.gate.LastAdjustment, ctl.AdjustmentInterval) {
		l.stats.Adjustments++
		prev := l.state.DutyCycle
		if l.ctrl.Adjust(&l.state, ctl.TargetEfficiency, &l.gate, now) {
			l.stats.DutyChanges++
			l.log.Debugw("duty adjusted", "tick", now, "from", prev, "to", l.state.DutyCycle, "efficiency", l.state.Efficiency)
		}
	}

	if err := l.apply(); err != nil {
		l.fault(now, err)
		return fmt.Errorf("%w: %w", pwm.ErrFaulted, err)
	}
	return nil
}

// measure estimates the parameters from raw and updates the efficiency or takes the degraded path.
func (l *Loop) measure(now pwm.Tick, raw pwm.RawSample) {
	l.stats.Measurements++
	from := l.sup.Mode()

	params, err := l.est.Estimate(raw)
	if err != nil {
		l.stats.MeasurementFailures++
		if l.sup.MeasurementFailed(&l.state, err) {
			l.record(now, from, err)
			l.log.Warnw("measurement rejected, holding neutral duty", "tick", now, "raw", raw, "error", err)
		}
		return
	}

	l.params = params
	if l.sup.MeasurementSucceeded() {
		l.record(now, from, nil)
		l.log.Infow("measurement recovered", "tick", now, "raw", raw)
	}
	l.state.Efficiency = l.loss.Efficiency(params, l.state.DutyCycle)
}

// initialize sets the initial duty, arms the gates and enables the output.
func (l *Loop) initialize(now pwm.Tick) {
	l.state = pwm.ControlState{
		DutyCycle:   l.ctrl.Clamp(l.settings.Controller.InitialDuty),
		Efficiency:  0,
		Initialized: true,
	}
	l.gate.Restart(now)

	if err := l.out.Enable(); err != nil {
		l.fault(now, fmt.Errorf("failed to enable output: %w", err))
		return
	}
	l.outputOn = true

	if err := l.out.SetDuty(l.state.DutyCycle); err != nil {
		l.fault(now, fmt.Errorf("failed to set initial duty: %w", err))
		return
	}
	l.appliedDuty = l.state.DutyCycle

	l.log.Infow("control loop initialized", "tick", now, "duty", l.state.DutyCycle)
}

// apply writes the duty cycle to the output when it changed.
func (l *Loop) apply() error {
	if l.state.DutyCycle == l.appliedDuty {
		return nil
	}
	if err := l.out.SetDuty(l.state.DutyCycle); err != nil {
		return fmt.Errorf("failed to set duty %.4f: %w", l.state.DutyCycle, err)
	}
	l.appliedDuty = l.state.DutyCycle
	return nil
}

// fault latches the fault state, forces the minimum duty and disables the output.
func (l *Loop) fault(now pwm.Tick, cause error) {
	from := l.sup.Mode()
	if !l.sup.Critical(&l.state, cause) {
		return
	}
	l.stats.Faults++
	l.record(now, from, cause)

	err := multierr.Append(l.out.SetDuty(l.state.DutyCycle), l.out.Disable())
	l.appliedDuty = l.state.DutyCycle
	l.outputOn = false

	l.log.Errorw("fault latched, output disabled", "tick", now, "cause", cause, "duty", l.state.DutyCycle)
	if err != nil {
		l.log.Errorw("failed to drive output into the safe state", "error", err)
	}
}

func (l *Loop) record(now pwm.Tick, from pwm.Mode, cause error) {
	t := pwm.Transition{
		Timestamp: l.clock.Now(),
		Tick:      now,
		From:      from,
		To:        l.sup.Mode(),
	}
	if cause != nil {
		t.Cause = cause.Error()
	}
	l.transitions = append(l.transitions, t)
	if len(l.transitions) > maxTransitions {
		l.transitions = l.transitions[len(l.transitions)-maxTransitions:]
	}
}

// Trip raises a critical condition from outside the loop, e.g. an emergency stop.
// It returns false when the loop was already faulted.
func (l *Loop) Trip(reason string) bool {
	l.mu.Lock()
	if l.sup.Latched() {
		l.mu.Unlock()
		return false
	}
	l.fault(l.Now(), fmt.Errorf("%w: %s", ErrTripped, reason))
	l.mu.Unlock()

	l.notifyCallbacks()
	return true
}

// Reset clears the fault latch and reinitializes the control state on the next tick.
// Statistics and transition history are kept.
func (l *Loop) Reset() {
	l.mu.Lock()
	now := l.Now()
	from := l.sup.Mode()
	l.sup.Reset()
	l.state = pwm.ControlState{}
	l.params = pwm.ElectricalParameters{}
	l.generation++
	l.stats.Resets++
	if from != pwm.Nominal {
		l.record(now, from, nil)
	}
	l.mu.Unlock()

	l.log.Infow("control loop reset", "tick", now, "from", from)
	l.notifyCallbacks()

	select {
	case l.resetCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a consistent copy of the loop state.
func (l *Loop) Snapshot() pwm.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot()
}

func (l *Loop) snapshot() pwm.Snapshot {
	s := pwm.Snapshot{
		Timestamp:            l.clock.Now(),
		Tick:                 l.Now(),
		Uptime:               l.clock.Since(l.epoch).Seconds(),
		ControlState:         l.state,
		ElectricalParameters: l.params,
		Mode:                 l.sup.Mode(),
		Stats:                l.stats,
	}
	if cause := l.sup.Cause(); cause != nil {
		s.Cause = cause.Error()
	}
	return s
}

// Diagnostics returns the snapshot with output details and the recent transitions.
func (l *Loop) Diagnostics() Diagnostics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	transitions := make([]pwm.Transition, len(l.transitions))
	copy(transitions, l.transitions)

	return Diagnostics{
		Snapshot:      l.snapshot(),
		AppliedDuty:   l.appliedDuty,
		OutputEnabled: l.outputOn,
		Oversample:    l.acq.Oversample(),
		Transitions:   transitions,
	}
}

// Settings returns the configuration the loop runs with.
func (l *Loop) Settings() Settings {
	return l.settings
}

// OnUpdate registers a callback invoked with a snapshot after every measurement and every
// state change. The callback should copy what it needs and return quickly.
func (l *Loop) OnUpdate(callback func(pwm.Snapshot)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

// notifyCallbacks invokes the callbacks without holding the state lock.
func (l *Loop) notifyCallbacks() {
	l.cbMu.RLock()
	if l.shutdown || len(l.callbacks) == 0 {
		l.cbMu.RUnlock()
		return
	}
	callbacks := make([]func(pwm.Snapshot), len(l.callbacks))
	copy(callbacks, l.callbacks)
	l.cbMu.RUnlock()

	snap := l.Snapshot()
	for _, cb := range callbacks {
		if cb != nil {
			cb(snap)
		}
	}
}
