// Package scope provides an oscilloscope-style fyne widget for duty cycle and efficiency traces.
package scope

import (
	"image/color"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/itohio/adaptivepwm/pkg/trace"
)

// ScopeWidget is a custom Fyne widget that displays the duty cycle and efficiency over time
// with a marker for every mode transition.
type ScopeWidget struct {
	widget.BaseWidget

	window time.Duration

	// Data (protected by mu)
	mu      sync.RWMutex
	latest  pwm.Snapshot
	hasData bool
	events  []pwm.Transition

	// Display buffer (reused for downsampling)
	display []pwm.Snapshot

	xMin, xMax time.Time

	maxDisplayPoints int
}

// New creates a new ScopeWidget instance.
func New(cfg config.TraceConfig) *ScopeWidget {
	maxPoints := cfg.MaxPoints
	if maxPoints <= 0 {
		maxPoints = 1000
	}
	window := time.Duration(cfg.WindowSeconds * float64(time.Second))
	if window <= 0 {
		window = 30 * time.Second
	}

	s := &ScopeWidget{
		window:           window,
		display:          make([]pwm.Snapshot, 0, maxPoints),
		maxDisplayPoints: maxPoints,
	}
	s.ExtendBaseWidget(s)
	s.Refresh()
	return s
}

// SetWindow changes the minimum time span shown on the X axis.
func (s *ScopeWidget) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	s.mu.Lock()
	s.window = window
	s.updateTimeRange()
	s.mu.Unlock()

	s.Refresh()
}

// UpdateData updates the widget with the recorded trace.
// This should be called from the recorder callback using fyne.Do().
func (s *ScopeWidget) UpdateData(snapshots []pwm.Snapshot, events []pwm.Transition) {
	s.mu.Lock()

	s.display = trace.Downsample(s.display, snapshots, s.maxDisplayPoints)
	s.events = events
	s.hasData = len(snapshots) > 0
	if s.hasData {
		s.latest = snapshots[len(snapshots)-1]
	}
	s.updateTimeRange()

	s.mu.Unlock()

	s.Refresh()
}

// updateTimeRange keeps at least one full window on the X axis.
func (s *ScopeWidget) updateTimeRange() {
	if len(s.display) == 0 {
		s.xMin = time.Now()
		s.xMax = s.xMin.Add(s.window)
		return
	}

	s.xMin = s.display[0].Timestamp
	s.xMax = s.display[len(s.display)-1].Timestamp
	if s.xMax.Sub(s.xMin) < s.window {
		s.xMax = s.xMin.Add(s.window)
	}
}

// CreateRenderer creates the widget renderer.
func (s *ScopeWidget) CreateRenderer() fyne.WidgetRenderer {
	background := canvas.NewRectangle(color.RGBA{R: 20, G: 20, B: 20, A: 255})
	return &scopeRenderer{
		scope:      s,
		background: background,
		objects:    []fyne.CanvasObject{background},
	}
}
