package scope

import (
	"fmt"
	"image/color"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"github.com/itohio/adaptivepwm/pkg/pwm"
)

var (
	gridColor       = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	axisTextColor   = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	dutyColor       = color.RGBA{R: 255, G: 165, B: 0, A: 255}   // Orange
	efficiencyColor = color.RGBA{R: 100, G: 200, B: 255, A: 255} // Light blue
	statusColor     = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// ModeColor returns the marker color of a supervisor mode.
func ModeColor(m pwm.Mode) color.Color {
	switch m {
	case pwm.Nominal:
		return color.RGBA{R: 80, G: 200, B: 80, A: 255}
	case pwm.Degraded:
		return color.RGBA{R: 230, G: 200, B: 40, A: 255}
	default:
		return color.RGBA{R: 230, G: 60, B: 60, A: 255}
	}
}

// plotArea maps trace coordinates onto widget pixels.
type plotArea struct {
	x, y, width, height float32
	xMin, xMax          time.Time
}

func newPlotArea(size fyne.Size, xMin, xMax time.Time) plotArea {
	const (
		marginLeft   = 60
		marginRight  = 20
		marginTop    = 20
		marginBottom = 40
	)
	return plotArea{
		x:      marginLeft,
		y:      marginTop,
		width:  size.Width - marginLeft - marginRight,
		height: size.Height - marginTop - marginBottom,
		xMin:   xMin,
		xMax:   xMax,
	}
}

// X returns the horizontal pixel position of t.
func (a plotArea) X(t time.Time) float32 {
	span := a.xMax.Sub(a.xMin).Seconds()
	if span <= 0 {
		return a.x
	}
	return a.x + float32(t.Sub(a.xMin).Seconds()/span)*a.width
}

// Y returns the vertical pixel position of a fraction in [0, 1]. Values outside are pinned to the edges.
func (a plotArea) Y(v float32) float32 {
	v = max(0, min(1, v))
	return a.y + a.height - v*a.height
}

// scopeRenderer renders the scope widget.
type scopeRenderer struct {
	scope *ScopeWidget

	background *canvas.Rectangle

	// Objects list for Fyne
	objects []fyne.CanvasObject

	// Track last size to detect changes
	lastSize fyne.Size
}

// MinSize returns the minimum size of the widget.
func (r *scopeRenderer) MinSize() fyne.Size {
	return fyne.NewSize(400, 300)
}

// Layout arranges the widget components.
func (r *scopeRenderer) Layout(size fyne.Size) {
	r.background.Resize(size)

	if r.lastSize != size {
		r.lastSize = size
		r.scope.BaseWidget.Refresh()
	}
}

// Refresh rebuilds the display from the current trace.
func (r *scopeRenderer) Refresh() {
	r.scope.mu.RLock()
	snapshots := r.scope.display
	events := r.scope.events
	latest := r.scope.latest
	hasData := r.scope.hasData
	xMin := r.scope.xMin
	xMax := r.scope.xMax
	r.scope.mu.RUnlock()

	size := r.scope.Size()
	if size.Width == 0 || size.Height == 0 {
		return
	}

	r.objects = []fyne.CanvasObject{r.background}
	area := newPlotArea(size, xMin, xMax)

	r.drawGrid(area)
	r.drawTrace(area, snapshots, dutyColor, 1.5, func(s pwm.Snapshot) float32 { return s.DutyCycle })
	r.drawTrace(area, snapshots, efficiencyColor, 2.5, func(s pwm.Snapshot) float32 { return s.Efficiency })
	r.drawTransitions(area, events)
	if hasData {
		r.drawStatus(area, latest)
	}
}

// drawGrid draws the oscilloscope-style grid with a fixed [0, 1] vertical scale.
func (r *scopeRenderer) drawGrid(a plotArea) {
	numHLines := 10
	for i := range numHLines + 1 {
		value := 1 - float32(i)/float32(numHLines)
		y := a.Y(value)
		r.addLine(gridColor, 1, fyne.NewPos(a.x, y), fyne.NewPos(a.x+a.width, y))

		text := canvas.NewText(fmt.Sprintf("%.0f%%", value*100), axisTextColor)
		text.TextSize = 10
		text.Alignment = fyne.TextAlignTrailing
		text.Move(fyne.NewPos(a.x-5, y-6))
		r.objects = append(r.objects, text)
	}

	numVLines := 10
	span := a.xMax.Sub(a.xMin)
	for i := range numVLines + 1 {
		x := a.x + float32(i)*a.width/float32(numVLines)
		r.addLine(gridColor, 1, fyne.NewPos(x, a.y), fyne.NewPos(x, a.y+a.height))

		offset := span * time.Duration(i) / time.Duration(numVLines)
		text := canvas.NewText(fmt.Sprintf("%.1fs", offset.Seconds()), axisTextColor)
		text.TextSize = 10
		text.Alignment = fyne.TextAlignCenter
		text.Move(fyne.NewPos(x-20, a.y+a.height+5))
		r.objects = append(r.objects, text)
	}
}

// drawTrace draws one value of the snapshots as connected line segments.
func (r *scopeRenderer) drawTrace(a plotArea, snapshots []pwm.Snapshot, c color.Color, width float32, value func(pwm.Snapshot) float32) {
	for i := 1; i < len(snapshots); i++ {
		prev, cur := snapshots[i-1], snapshots[i]
		r.addLine(c, width,
			fyne.NewPos(a.X(prev.Timestamp), a.Y(value(prev))),
			fyne.NewPos(a.X(cur.Timestamp), a.Y(value(cur))))
	}
}

// drawTransitions draws a vertical marker with the new mode for each transition in view.
func (r *scopeRenderer) drawTransitions(a plotArea, events []pwm.Transition) {
	for _, e := range events {
		if e.Timestamp.Before(a.xMin) || e.Timestamp.After(a.xMax) {
			continue
		}
		x := a.X(e.Timestamp)
		c := ModeColor(e.To)
		r.addLine(c, 1, fyne.NewPos(x, a.y), fyne.NewPos(x, a.y+a.height))

		text := canvas.NewText(e.To.String(), c)
		text.TextSize = 10
		text.Move(fyne.NewPos(x+3, a.y+2))
		r.objects = append(r.objects, text)
	}
}

// drawStatus draws the mode, duty, efficiency and parameter estimate of the latest snapshot.
func (r *scopeRenderer) drawStatus(a plotArea, s pwm.Snapshot) {
	mode := canvas.NewText(s.Mode.String(), ModeColor(s.Mode))
	mode.TextSize = 12
	mode.TextStyle = fyne.TextStyle{Bold: true}
	mode.Move(fyne.NewPos(a.x+10, a.y+10))
	r.objects = append(r.objects, mode)

	text := canvas.NewText(StatusLine(s), statusColor)
	text.TextSize = 11
	text.Move(fyne.NewPos(a.x+90, a.y+11))
	r.objects = append(r.objects, text)
}

func (r *scopeRenderer) addLine(c color.Color, width float32, p1, p2 fyne.Position) {
	line := canvas.NewLine(c)
	line.Position1 = p1
	line.Position2 = p2
	line.StrokeWidth = width
	r.objects = append(r.objects, line)
}

// Objects returns all canvas objects for rendering.
func (r *scopeRenderer) Objects() []fyne.CanvasObject {
	return r.objects
}

// Destroy cleans up resources.
func (r *scopeRenderer) Destroy() {}

// StatusLine formats the control state of s for display.
func StatusLine(s pwm.Snapshot) string {
	line := fmt.Sprintf("duty %.1f%%  eff %.1f%%  L %.2f mH  C %.1f µF  ESR %.1f mΩ",
		s.DutyCycle*100, s.Efficiency*100, s.InductanceMH, s.CapacitanceUF, s.ESRMilliOhm)
	if s.Cause != "" {
		line += "  (" + s.Cause + ")"
	}
	return line
}
