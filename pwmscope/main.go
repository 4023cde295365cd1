// Command pwmscope shows the duty cycle and efficiency of the adaptive PWM loop on an
// oscilloscope-style display.
package main

import (
	"fmt"
	"os"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/logging"
	"github.com/itohio/adaptivepwm/pkg/scope"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath string
		endpoint   string
		mock       bool
	)

	root := &cobra.Command{
		Use:   "pwmscope",
		Short: "Oscilloscope view of the adaptive PWM loop",
		Long: `pwmscope plots the duty cycle and efficiency of a running apwmd, polling its
monitoring API, or of an in-process loop over the simulated front end.

Examples:
  pwmscope --endpoint http://bench:8080
  pwmscope --mock`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.Monitor.Endpoint = endpoint
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			application := app.NewWithID("com.itohio.adaptivepwm.scope")
			window := application.NewWindow("Adaptive PWM Scope")
			window.Resize(fyne.NewSize(1200, 800))
			window.CenterOnScreen()

			state := &appState{
				cfg:         cfg,
				configPath:  configPath,
				mock:        mock,
				scopeWidget: scope.New(cfg.Trace),
				window:      window,
				log:         logger,
			}

			window.SetContent(state.layout())
			window.SetOnClosed(state.disconnect)
			window.ShowAndRun()
			return nil
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file path")
	root.Flags().StringVarP(&endpoint, "endpoint", "e", "", "daemon monitoring endpoint override")
	root.Flags().BoolVar(&mock, "mock", false, "run an in-process loop over the simulated front end")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pwmscope:", err)
		os.Exit(1)
	}
}
