package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/loop"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

var (
	nominalColor  = color.New(color.FgGreen, color.Bold)
	degradedColor = color.New(color.FgYellow, color.Bold)
	faultColor    = color.New(color.FgRed, color.Bold)
)

func disableColor() {
	color.NoColor = true
}

func modeColor(m pwm.Mode) *color.Color {
	switch m {
	case pwm.Nominal:
		return nominalColor
	case pwm.Degraded:
		return degradedColor
	default:
		return faultColor
	}
}

// modeText returns the mode name colored by severity.
func modeText(m pwm.Mode) string {
	return modeColor(m).Sprint(m)
}

func colorError(s string) string {
	return faultColor.Sprint(s)
}

func percent(v float32) string {
	return fmt.Sprintf("%.2f %%", v*100)
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	return t
}

func appendStatusRows(t table.Writer, s pwm.Snapshot) {
	t.AppendRows([]table.Row{
		{"Mode", modeText(s.Mode)},
		{"Duty cycle", percent(s.DutyCycle)},
		{"Efficiency", percent(s.Efficiency)},
		{"Inductance", fmt.Sprintf("%.3f mH", s.InductanceMH)},
		{"Capacitance", fmt.Sprintf("%.2f µF", s.CapacitanceUF)},
		{"ESR", fmt.Sprintf("%.2f mΩ", s.ESRMilliOhm)},
		{"Initialized", s.Initialized},
		{"Uptime", (time.Duration(s.Uptime * float64(time.Second))).Truncate(time.Millisecond)},
		{"Tick", s.Tick},
	})
	if s.Cause != "" {
		t.AppendRow(table.Row{"Cause", s.Cause})
	}
}

func renderStatus(w io.Writer, s pwm.Snapshot) {
	t := newTable(w, "Status")
	appendStatusRows(t, s)
	t.Render()
}

func renderSettings(w io.Writer, s loop.Settings) {
	ctl := s.Controller
	t := newTable(w, "Controller")
	t.AppendRows([]table.Row{
		{"Duty range", fmt.Sprintf("[%s, %s]", percent(ctl.MinDuty), percent(ctl.MaxDuty))},
		{"Initial duty", percent(ctl.InitialDuty)},
		{"Neutral duty", percent(ctl.NeutralDuty)},
		{"Target efficiency", percent(ctl.TargetEfficiency)},
		{"Gain", ctl.Gain},
		{"Hysteresis", ctl.Hysteresis},
		{"Measurement interval", ctl.MeasurementInterval},
		{"Adjustment interval", ctl.AdjustmentInterval},
		{"Tick interval", ctl.TickInterval},
	})
	t.Render()

	est := newTable(w, "Estimator")
	est.AppendHeader(table.Row{"Channel", "Slope", "Offset", "Min", "Max"})
	est.SetColumnConfigs(nil)
	for _, ch := range []struct {
		name string
		cfg  config.ChannelConfig
	}{
		{"Inductance (mH)", s.Estimator.Inductance},
		{"Capacitance (µF)", s.Estimator.Capacitance},
		{"ESR (mΩ)", s.Estimator.ESR},
	} {
		est.AppendRow(table.Row{ch.name, ch.cfg.Slope, ch.cfg.Offset, ch.cfg.Min, ch.cfg.Max})
	}
	est.Render()

	loss := newTable(w, "Loss model")
	loss.AppendRows([]table.Row{
		{"Switching coefficient", s.Loss.SwitchingCoefficient},
		{"ESR scale", s.Loss.ESRScale},
		{"Floor", s.Loss.Floor},
	})
	loss.Render()
}

func renderDiagnostics(w io.Writer, d loop.Diagnostics) {
	t := newTable(w, "Diagnostics")
	appendStatusRows(t, d.Snapshot)
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Applied duty", percent(d.AppliedDuty)},
		{"Output enabled", d.OutputEnabled},
		{"Oversample", d.Oversample},
		{"Ticks", d.Stats.Ticks},
		{"Measurements", d.Stats.Measurements},
		{"Measurement failures", d.Stats.MeasurementFailures},
		{"Adjustments", d.Stats.Adjustments},
		{"Duty changes", d.Stats.DutyChanges},
		{"Faults", d.Stats.Faults},
		{"Resets", d.Stats.Resets},
	})
	t.Render()

	if len(d.Transitions) == 0 {
		return
	}
	tr := newTable(w, "Transitions")
	tr.SetColumnConfigs(nil)
	tr.AppendHeader(table.Row{"Time", "Tick", "From", "To", "Cause"})
	for _, e := range d.Transitions {
		tr.AppendRow(table.Row{e.Timestamp.Format("15:04:05.000"), e.Tick, modeText(e.From), modeText(e.To), e.Cause})
	}
	tr.Render()
}

func monitorHeader() string {
	return fmt.Sprintf("%-12s %-10s %9s %9s %10s %10s %10s", "time", "mode", "duty", "eff", "L (mH)", "C (µF)", "ESR (mΩ)")
}

func monitorLine(s pwm.Snapshot) string {
	// Pad before coloring so escape codes do not break the alignment.
	mode := modeColor(s.Mode).Sprintf("%-10s", s.Mode)
	return fmt.Sprintf("%-12s %s %9s %9s %10.3f %10.2f %10.2f",
		s.Timestamp.Format("15:04:05.000"), mode, percent(s.DutyCycle), percent(s.Efficiency),
		s.InductanceMH, s.CapacitanceUF, s.ESRMilliOhm)
}
