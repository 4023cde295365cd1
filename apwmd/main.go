// Command apwmd runs the adaptive PWM control loop against the serial front end (or a simulated
// one) and serves the monitoring API.
package main

import (
	"fmt"
	"os"

	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds what every subcommand needs once the persistent flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *zap.SugaredLogger
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:   "apwmd",
		Short: "Adaptive PWM control daemon",
		Long: `apwmd samples the converter through the ADC front end, estimates its inductance,
capacitance and ESR, and adjusts the PWM duty cycle towards the target efficiency.
A safety supervisor falls back to a neutral duty on bad measurements and latches a fault,
disabling the output, on hardware errors.

Examples:
  apwmd --config apwm.yaml
  apwmd run --mock --listen :9090
  apwmd simulate --duration 10s --plot trace.png`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "configuration file path")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	runCmd := a.newRunCommand()
	root.RunE = runCmd.RunE
	root.Flags().AddFlagSet(runCmd.Flags())

	root.AddCommand(
		runCmd,
		a.newSimulateCommand(),
		a.newPortsCommand(),
		a.newConfigCommand(),
	)

	err := root.Execute()
	if a.log != nil {
		_ = a.log.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "apwmd:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.log = logger
	return nil
}
