package main

import (
	"fmt"
	"strconv"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
)

// showSettingsDialog displays a settings dialog with tabs for the scope's configuration.
// Changes are saved to the config file and take effect on the next connect.
func showSettingsDialog(state *appState) {
	tabs := container.NewAppTabs(
		createConnectionTab(state),
		createDisplayTab(state),
		createSimulatorTab(state),
	)

	content := container.NewBorder(nil, nil, nil, nil, tabs)
	content.Resize(fyne.NewSize(600, 500))

	d := dialog.NewCustom("Settings", "Close", content, state.window)
	d.Resize(fyne.NewSize(600, 500))
	d.Show()
}

func (s *appState) saveConfig() {
	if err := s.cfg.Save(s.configPath); err != nil {
		dialog.ShowError(fmt.Errorf("failed to save config: %w", err), s.window)
	}
}

func floatEntry(v float64, decimals int) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(strconv.FormatFloat(v, 'f', decimals, 64))
	return e
}

func durationEntry(d time.Duration) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(d.String())
	return e
}

// createConnectionTab creates the daemon connection tab.
func createConnectionTab(state *appState) *container.TabItem {
	endpointEntry := widget.NewEntry()
	endpointEntry.SetText(state.cfg.Monitor.Endpoint)
	pollEntry := durationEntry(state.cfg.Monitor.PollInterval)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Endpoint", Widget: endpointEntry},
			{Text: "Poll Interval", Widget: pollEntry},
		},
		OnSubmit: func() {
			if endpointEntry.Text != "" {
				state.cfg.Monitor.Endpoint = endpointEntry.Text
			}
			if d, err := time.ParseDuration(pollEntry.Text); err == nil && d > 0 {
				state.cfg.Monitor.PollInterval = d
			}
			state.saveConfig()
		},
	}

	return container.NewTabItem("Connection", form)
}

// createDisplayTab creates the trace display tab.
func createDisplayTab(state *appState) *container.TabItem {
	windowEntry := floatEntry(state.cfg.Trace.WindowSeconds, 1)
	maxPointsEntry := widget.NewEntry()
	maxPointsEntry.SetText(strconv.Itoa(state.cfg.Trace.MaxPoints))

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Window (seconds)", Widget: windowEntry},
			{Text: "Max Points", Widget: maxPointsEntry},
		},
		OnSubmit: func() {
			if ws, err := strconv.ParseFloat(windowEntry.Text, 64); err == nil && ws > 0 {
				state.cfg.Trace.WindowSeconds = ws
			}
			if mp, err := strconv.Atoi(maxPointsEntry.Text); err == nil && mp > 0 {
				state.cfg.Trace.MaxPoints = mp
			}
			state.saveConfig()
		},
	}

	return container.NewTabItem("Display", form)
}

// createSimulatorTab creates the simulated front end tab.
func createSimulatorTab(state *appState) *container.TabItem {
	mock := &state.cfg.Mock
	baseEntry := floatEntry(float64(mock.Base), 1)
	amplitudeEntry := floatEntry(float64(mock.Amplitude), 1)
	periodEntry := durationEntry(mock.Period)
	noiseEntry := floatEntry(float64(mock.Noise), 2)
	couplingEntry := floatEntry(float64(mock.DutyCoupling), 1)
	excursionEveryEntry := durationEntry(mock.ExcursionEvery)
	excursionLengthEntry := durationEntry(mock.ExcursionLength)
	faultAfterEntry := durationEntry(mock.FaultAfter)

	parseFloat32 := func(e *widget.Entry, dst *float32) {
		if v, err := strconv.ParseFloat(e.Text, 32); err == nil {
			*dst = float32(v)
		}
	}
	parseDuration := func(e *widget.Entry, dst *time.Duration) {
		if d, err := time.ParseDuration(e.Text); err == nil && d >= 0 {
			*dst = d
		}
	}

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Base Reading", Widget: baseEntry},
			{Text: "Drift Amplitude", Widget: amplitudeEntry},
			{Text: "Drift Period", Widget: periodEntry},
			{Text: "Noise", Widget: noiseEntry},
			{Text: "Duty Coupling", Widget: couplingEntry},
			{Text: "Excursion Every (0=off)", Widget: excursionEveryEntry},
			{Text: "Excursion Length", Widget: excursionLengthEntry},
			{Text: "Fault After (0=off)", Widget: faultAfterEntry},
		},
		OnSubmit: func() {
			parseFloat32(baseEntry, &mock.Base)
			parseFloat32(amplitudeEntry, &mock.Amplitude)
			parseDuration(periodEntry, &mock.Period)
			parseFloat32(noiseEntry, &mock.Noise)
			parseFloat32(couplingEntry, &mock.DutyCoupling)
			parseDuration(excursionEveryEntry, &mock.ExcursionEvery)
			parseDuration(excursionLengthEntry, &mock.ExcursionLength)
			parseDuration(faultAfterEntry, &mock.FaultAfter)
			state.saveConfig()
		},
	}

	return container.NewTabItem("Simulator", form)
}
