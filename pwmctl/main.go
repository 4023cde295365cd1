// Command pwmctl queries and controls a running apwmd through its monitoring API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/itohio/adaptivepwm/pkg/monitor"
	"github.com/spf13/cobra"
)

type cli struct {
	endpoint string
	timeout  time.Duration
	noColor  bool
}

func (c *cli) client() *monitor.Client {
	return monitor.NewClient(c.endpoint, c.timeout)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pwmctl:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "pwmctl",
		Short: "Adaptive PWM controller client",
		Long: `pwmctl talks to the monitoring API of apwmd.

Examples:
  pwmctl status
  pwmctl --endpoint http://bench:8080 monitor --interval 500ms
  pwmctl trip "manual stop" && pwmctl reset`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.noColor {
				disableColor()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.endpoint, "endpoint", "e", "http://localhost:8080", "daemon monitoring endpoint")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 5*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		c.newStatusCommand(),
		c.newConfigCommand(),
		c.newDiagnosticsCommand(),
		c.newMonitorCommand(),
		c.newResetCommand(),
		c.newTripCommand(),
	)
	return root
}
