package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/loop"
	"github.com/itohio/adaptivepwm/pkg/monitor"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	port   string
	listen string
	mock   bool
}

func (a *app) newRunCommand() *cobra.Command {
	var o runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop and the monitoring server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.port != "" {
				a.cfg.Serial.Port = o.port
			}
			if o.listen != "" {
				a.cfg.Monitor.Listen = o.listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, a.cfg, newDevice(a.cfg, o.mock, a.log), clock.New(), a.log)
		},
	}
	cmd.Flags().StringVarP(&o.port, "port", "p", "", "serial port override (e.g. COM3 or /dev/ttyACM0)")
	cmd.Flags().StringVar(&o.listen, "listen", "", "monitoring API listen address override")
	cmd.Flags().BoolVar(&o.mock, "mock", false, "use the simulated front end instead of the serial port")
	return cmd
}

func newDevice(cfg *config.Config, mock bool, logger *zap.SugaredLogger) device.Device {
	if mock {
		logger.Infow("using simulated front end")
		return device.NewMock(cfg.Mock, nil)
	}
	return device.NewSerial(cfg.Serial, cfg.Sampler.Timeout, logger)
}

// runDaemon connects dev and runs the loop and the monitoring server until ctx is done
// or one of them fails.
func runDaemon(ctx context.Context, cfg *config.Config, dev device.Device, clk clock.Clock, logger *zap.SugaredLogger) (err error) {
	if err := dev.Connect(); err != nil {
		return fmt.Errorf("failed to connect to the front end: %w", err)
	}
	defer func() {
		err = multierr.Append(err, dev.Close())
	}()

	l := loop.New(cfg, dev, clk, logger)
	srv := monitor.NewServer(cfg.Monitor.Listen, l, logger)

	l.OnUpdate(func(s pwm.Snapshot) {
		logger.Debugw("tick", "mode", s.Mode, "duty", s.DutyCycle, "efficiency", s.Efficiency)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.Run(ctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	err = g.Wait()
	logger.Infow("daemon stopped", "stats", l.Snapshot().Stats)
	return err
}
