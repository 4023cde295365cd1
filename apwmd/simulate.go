package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/loop"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/itohio/adaptivepwm/pkg/trace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type simulateOptions struct {
	duration       time.Duration
	plot           string
	excursionEvery time.Duration
	faultAfter     time.Duration
}

func (a *app) newSimulateCommand() *cobra.Command {
	var o simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the loop against the simulated front end on a virtual clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.duration <= 0 {
				return errors.New("duration must be positive")
			}
			if cmd.Flags().Changed("excursion-every") {
				a.cfg.Mock.ExcursionEvery = o.excursionEvery
			}
			if cmd.Flags().Changed("fault-after") {
				a.cfg.Mock.FaultAfter = o.faultAfter
			}

			rec, err := simulate(cmd.Context(), a.cfg, o.duration, a.log)
			if err != nil {
				return err
			}

			if o.plot != "" {
				if err := trace.SavePNG(o.plot, rec.Snapshots(), rec.Events()); err != nil {
					return err
				}
				a.log.Infow("trace plotted", "file", o.plot)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&o.duration, "duration", "d", 10*time.Second, "simulated time to run")
	cmd.Flags().StringVar(&o.plot, "plot", "", "write a PNG plot of duty and efficiency to this file")
	cmd.Flags().DurationVar(&o.excursionEvery, "excursion-every", 0, "inject an out-of-range excursion at this period (0 disables)")
	cmd.Flags().DurationVar(&o.faultAfter, "fault-after", 0, "raise a hardware fault after this simulated time (0 disables)")
	return cmd
}

// simulate steps a loop over the mock front end for duration of virtual time and returns the
// recorded trace. The simulation stops early when the loop faults.
func simulate(ctx context.Context, cfg *config.Config, duration time.Duration, logger *zap.SugaredLogger) (*trace.Recorder, error) {
	clk := clock.NewMock()
	dev := device.NewMock(cfg.Mock, clk)
	if err := dev.Connect(); err != nil {
		return nil, err
	}
	defer dev.Close()

	traceCfg := cfg.Trace
	if window := duration.Seconds(); traceCfg.WindowSeconds < window {
		traceCfg.WindowSeconds = window
	}
	rec := trace.New(traceCfg)

	l := loop.New(cfg, dev, clk, logger)
	l.OnUpdate(rec.Record)

	interval := cfg.Controller.TickInterval
	for elapsed := time.Duration(0); elapsed <= duration; elapsed += interval {
		if err := l.Step(ctx); err != nil {
			if errors.Is(err, pwm.ErrFaulted) {
				logger.Warnw("simulation stopped on fault", "elapsed", elapsed, "error", err)
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("simulation failed at %s: %w", elapsed, err)
		}
		clk.Add(interval)
	}

	s := l.Snapshot()
	logger.Infow("simulation finished",
		"mode", s.Mode,
		"duty", s.DutyCycle,
		"efficiency", s.Efficiency,
		"measurements", s.Stats.Measurements,
		"failures", s.Stats.MeasurementFailures,
		"duty_changes", s.Stats.DutyChanges,
		"transitions", len(rec.Events()),
	)
	return rec, nil
}
