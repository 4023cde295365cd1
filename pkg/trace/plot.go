package trace

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"github.com/itohio/adaptivepwm/pkg/pwm"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	dutyColor       = color.RGBA{R: 0, G: 150, B: 255, A: 255}
	efficiencyColor = color.RGBA{R: 255, G: 100, B: 100, A: 255}
	modeColors      = map[pwm.Mode]color.Color{
		pwm.Nominal:  color.RGBA{R: 0, G: 170, B: 0, A: 255},
		pwm.Degraded: color.RGBA{R: 230, G: 160, B: 0, A: 255},
		pwm.Fault:    color.RGBA{R: 200, G: 0, B: 0, A: 255},
	}
)

// Plot builds a plot of duty cycle and efficiency over time with a vertical marker per
// mode transition, colored by the mode entered. Time is in seconds from the first snapshot.
func Plot(snapshots []pwm.Snapshot, events []pwm.Transition) (*plot.Plot, error) {
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("no snapshots to plot")
	}

	p := plot.New()
	p.Title.Text = "Adaptive PWM"
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "duty / efficiency"
	p.Y.Min = 0
	p.Y.Max = 1.05
	p.Add(plotter.NewGrid())

	start := snapshots[0].Timestamp
	duty := make(plotter.XYs, len(snapshots))
	eff := make(plotter.XYs, len(snapshots))
	for i, s := range snapshots {
		x := s.Timestamp.Sub(start).Seconds()
		duty[i] = plotter.XY{X: x, Y: float64(s.DutyCycle)}
		eff[i] = plotter.XY{X: x, Y: float64(s.Efficiency)}
	}

	dutyLine, err := plotter.NewLine(duty)
	if err != nil {
		return nil, fmt.Errorf("failed to build duty line: %w", err)
	}
	dutyLine.LineStyle.Width = vg.Points(1.5)
	dutyLine.LineStyle.Color = dutyColor

	effLine, err := plotter.NewLine(eff)
	if err != nil {
		return nil, fmt.Errorf("failed to build efficiency line: %w", err)
	}
	effLine.LineStyle.Width = vg.Points(1.5)
	effLine.LineStyle.Color = efficiencyColor

	p.Add(dutyLine, effLine)
	p.Legend.Add("duty", dutyLine)
	p.Legend.Add("efficiency", effLine)
	p.Legend.Top = true

	for _, ev := range events {
		if ev.Timestamp.Before(start) {
			continue
		}
		x := ev.Timestamp.Sub(start).Seconds()
		marker, err := plotter.NewLine(plotter.XYs{{X: x, Y: 0}, {X: x, Y: 1}})
		if err != nil {
			return nil, fmt.Errorf("failed to build transition marker: %w", err)
		}
		marker.LineStyle.Width = vg.Points(1)
		marker.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		if c, ok := modeColors[ev.To]; ok {
			marker.LineStyle.Color = c
		}
		p.Add(marker)
	}

	return p, nil
}

// WritePNG renders the plot as a PNG image of the given size in inches.
func WritePNG(w io.Writer, snapshots []pwm.Snapshot, events []pwm.Transition, widthIn, heightIn float64) error {
	p, err := Plot(snapshots, events)
	if err != nil {
		return err
	}

	c := vgimg.NewWith(
		vgimg.UseWH(vg.Length(widthIn)*vg.Inch, vg.Length(heightIn)*vg.Inch),
		vgimg.UseDPI(150),
	)
	p.Draw(draw.New(c))

	if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(w); err != nil {
		return fmt.Errorf("cannot write png: %w", err)
	}
	return nil
}

// SavePNG writes the plot to filename, creating its directory if needed.
func SavePNG(filename string, snapshots []pwm.Snapshot, events []pwm.Transition) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create directory: %w", err)
		}
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("cannot create png: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := WritePNG(bw, snapshots, events, 10, 5); err != nil {
		return err
	}
	return bw.Flush()
}
