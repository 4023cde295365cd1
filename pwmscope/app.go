package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/itohio/adaptivepwm/pkg/scope"
	"github.com/itohio/adaptivepwm/pkg/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// updateInterval throttles scope refreshes to ~60 FPS.
const updateInterval = 16 * time.Millisecond

// appState holds the application state.
type appState struct {
	cfg         *config.Config
	configPath  string
	src         source
	mock        bool
	recorder    *trace.Recorder
	scopeWidget *scope.ScopeWidget
	window      fyne.Window
	log         *zap.SugaredLogger

	connectBtn *widget.Button
	resetBtn   *widget.Button
	tripBtn    *widget.Button
	sourceText *widget.Label

	// Current stream; nil when disconnected. Only touched on the main thread.
	cancel context.CancelFunc
	done   chan struct{}

	lastUpdateTime time.Time
	updateMu       sync.Mutex
}

func (s *appState) layout() fyne.CanvasObject {
	s.connectBtn = widget.NewButtonWithIcon("", theme.LoginIcon(), s.toggleConnection)
	s.resetBtn = widget.NewButtonWithIcon("Reset", theme.ViewRefreshIcon(), s.handleReset)
	s.tripBtn = widget.NewButtonWithIcon("Trip", theme.MediaStopIcon(), s.handleTrip)
	settingsBtn := widget.NewButtonWithIcon("", theme.SettingsIcon(), func() {
		showSettingsDialog(s)
	})
	saveBtn := widget.NewButtonWithIcon("", theme.DocumentSaveIcon(), s.handleSave)
	s.resetBtn.Disable()
	s.tripBtn.Disable()

	s.sourceText = widget.NewLabel(s.sourceName() + ": disconnected")

	toolbar := container.NewBorder(
		nil,
		nil,
		container.NewHBox(s.connectBtn, settingsBtn, saveBtn),
		container.NewHBox(s.resetBtn, s.tripBtn),
		s.sourceText,
	)
	return container.NewBorder(toolbar, nil, nil, nil, s.scopeWidget)
}

func (s *appState) sourceName() string {
	if s.mock {
		return "simulated loop"
	}
	return s.cfg.Monitor.Endpoint
}

// throttledUpdate forwards recorder updates to the scope on the main thread.
func (s *appState) throttledUpdate(snapshots []pwm.Snapshot, events []pwm.Transition) {
	s.updateMu.Lock()
	now := time.Now()
	if now.Sub(s.lastUpdateTime) < updateInterval {
		s.updateMu.Unlock()
		return
	}
	s.lastUpdateTime = now
	s.updateMu.Unlock()

	fyne.Do(func() {
		s.scopeWidget.UpdateData(snapshots, events)
	})
}

func (s *appState) toggleConnection() {
	if s.cancel != nil {
		s.disconnect()
		return
	}
	s.connect()
}

// newSource creates the snapshot source from the current configuration.
func (s *appState) newSource() source {
	if s.mock {
		return newLocalSource(s.cfg, s.log)
	}
	return newPollSource(s.cfg.Monitor, s.log)
}

func (s *appState) connect() {
	s.src = s.newSource()

	ctx, cancel := context.WithCancel(context.Background())
	snapshots, err := s.src.Start(ctx)
	if err != nil {
		cancel()
		dialog.ShowError(fmt.Errorf("failed to connect to %s: %w", s.sourceName(), err), s.window)
		return
	}

	// The recorder follows the configured window; the previous one has shut down.
	s.recorder = trace.New(s.cfg.Trace)
	s.recorder.OnUpdate(s.throttledUpdate)
	s.scopeWidget.SetWindow(s.recorder.Window())

	recorder := s.recorder
	done := make(chan struct{})
	go func() {
		defer close(done)
		recorder.ProcessSnapshots(snapshots)
	}()

	s.cancel = cancel
	s.done = done
	s.connectBtn.SetIcon(theme.LogoutIcon())
	s.resetBtn.Enable()
	s.tripBtn.Enable()
	s.sourceText.SetText(s.sourceName() + ": connected")
	s.log.Infow("connected", "source", s.sourceName())
}

// disconnect stops the stream and waits for the recorder to drain it.
func (s *appState) disconnect() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.connectBtn.SetIcon(theme.LoginIcon())
	s.resetBtn.Disable()
	s.tripBtn.Disable()
	s.sourceText.SetText(s.sourceName() + ": disconnected")
	s.log.Infow("disconnected", "source", s.sourceName())
}

func (s *appState) handleReset() {
	src := s.src
	if src == nil {
		return
	}
	go s.command(func(ctx context.Context) error { return src.Reset(ctx) }, "reset")
}

func (s *appState) handleTrip() {
	src := s.src
	if src == nil {
		return
	}
	reason := widget.NewEntry()
	reason.SetPlaceHolder("emergency stop")
	dialog.ShowForm("Trip", "Trip", "Cancel",
		[]*widget.FormItem{widget.NewFormItem("Reason", reason)},
		func(ok bool) {
			if !ok {
				return
			}
			text := reason.Text
			if text == "" {
				text = "operator trip"
			}
			go s.command(func(ctx context.Context) error { return src.Trip(ctx, text) }, "trip")
		}, s.window)
}

// command runs an operator command off the main thread and reports failures in a dialog.
func (s *appState) command(fn func(context.Context) error, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.log.Warnw("command failed", "command", name, "error", err)
		fyne.Do(func() {
			dialog.ShowError(fmt.Errorf("%s failed: %w", name, err), s.window)
		})
	}
}

func (s *appState) handleSave() {
	if s.recorder == nil {
		dialog.ShowError(errors.New("nothing recorded yet"), s.window)
		return
	}
	snapshots := s.recorder.Snapshots()
	events := s.recorder.Events()
	if len(snapshots) == 0 {
		dialog.ShowError(errors.New("nothing recorded yet"), s.window)
		return
	}

	save := dialog.NewFileSave(func(w fyne.URIWriteCloser, err error) {
		if err != nil {
			dialog.ShowError(err, s.window)
			return
		}
		if w == nil {
			return
		}
		err = trace.WritePNG(w, snapshots, events, 10, 5)
		err = multierr.Append(err, w.Close())
		if err != nil {
			dialog.ShowError(fmt.Errorf("failed to save plot: %w", err), s.window)
			return
		}
		s.log.Infow("trace plotted", "uri", w.URI().String())
	}, s.window)
	save.SetFileName("trace.png")
	save.Show()
}
