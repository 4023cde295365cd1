// Package trace records a time window of loop snapshots for display and plotting.
package trace

import (
	"sync"
	"time"

	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/pwm"
)

// Recorder keeps the snapshots of the last window and the mode transitions among them.
// Snapshots and events are FIFO buffers ordered oldest first and trimmed by timestamp.
type Recorder struct {
	window time.Duration

	mu        sync.RWMutex
	snapshots []pwm.Snapshot
	events    []pwm.Transition
	shutdown  bool

	callbacks []func(snapshots []pwm.Snapshot, events []pwm.Transition)
	cbMu      sync.RWMutex
}

// New creates a recorder for the configured window.
func New(cfg config.TraceConfig) *Recorder {
	window := time.Duration(cfg.WindowSeconds * float64(time.Second))
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Recorder{window: window}
}

// Window returns the recording window.
func (r *Recorder) Window() time.Duration {
	return r.window
}

// ProcessSnapshots records snapshots from the input channel until it closes.
// After that no further callbacks are sent until Reset.
func (r *Recorder) ProcessSnapshots(input <-chan pwm.Snapshot) {
	for s := range input {
		r.Record(s)
	}
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}

// Record adds a snapshot. Snapshots older than the newest one are ignored.
func (r *Recorder) Record(s pwm.Snapshot) {
	r.mu.Lock()
	if n := len(r.snapshots); n > 0 {
		prev := r.snapshots[n-1]
		if s.Timestamp.Before(prev.Timestamp) {
			r.mu.Unlock()
			return
		}
		if prev.Mode != s.Mode {
			r.events = append(r.events, pwm.Transition{
				Timestamp: s.Timestamp,
				Tick:      s.Tick,
				From:      prev.Mode,
				To:        s.Mode,
				Cause:     s.Cause,
			})
		}
	}
	r.snapshots = append(r.snapshots, s)
	r.trim(s.Timestamp.Add(-r.window))
	shouldNotify := !r.shutdown
	r.mu.Unlock()

	if shouldNotify {
		r.notifyCallbacks()
	}
}

// trim drops everything at or before cutoff.
func (r *Recorder) trim(cutoff time.Time) {
	i := 0
	for i < len(r.snapshots) && !r.snapshots[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		r.snapshots = append(r.snapshots[:0], r.snapshots[i:]...)
	}

	j := 0
	for j < len(r.events) && !r.events[j].Timestamp.After(cutoff) {
		j++
	}
	if j > 0 {
		r.events = append(r.events[:0], r.events[j:]...)
	}
}

// Snapshots returns a copy of the recorded snapshots.
func (r *Recorder) Snapshots() []pwm.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pwm.Snapshot, len(r.snapshots))
	copy(result, r.snapshots)
	return result
}

// Events returns a copy of the mode transitions within the window.
func (r *Recorder) Events() []pwm.Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pwm.Transition, len(r.events))
	copy(result, r.events)
	return result
}

// Reset clears the buffers and re-enables callbacks.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = nil
	r.events = nil
	r.shutdown = false
}

// OnUpdate registers a callback invoked after every recorded snapshot.
// The callback receives copies and should return quickly.
func (r *Recorder) OnUpdate(callback func(snapshots []pwm.Snapshot, events []pwm.Transition)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

func (r *Recorder) notifyCallbacks() {
	r.cbMu.RLock()
	callbacks := make([]func([]pwm.Snapshot, []pwm.Transition), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.RUnlock()

	if len(callbacks) == 0 {
		return
	}

	snapshots := r.Snapshots()
	events := r.Events()
	for _, cb := range callbacks {
		if cb != nil {
			cb(snapshots, events)
		}
	}
}
