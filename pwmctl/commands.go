package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) newStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show duty cycle, efficiency, parameters and mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, s)
			}
			renderStatus(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot as JSON")
	return cmd
}

func (c *cli) newConfigCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the controller, estimator and loss settings of the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.client().Settings(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, s)
			}
			renderSettings(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the settings as JSON")
	return cmd
}

func (c *cli) newDiagnosticsCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "diagnostics",
		Aliases: []string{"diag"},
		Short:   "Show counters, output state and recent mode transitions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.client().Diagnostics(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, d)
			}
			renderDiagnostics(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnostics as JSON")
	return cmd
}

func (c *cli) newMonitorCommand() *cobra.Command {
	var (
		interval time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print a status line at a fixed interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return errors.New("interval must be positive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.monitor(ctx, cmd, interval, count)
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "polling interval")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of lines to print (0 = until Ctrl-C)")
	return cmd
}

func (c *cli) monitor(ctx context.Context, cmd *cobra.Command, interval time.Duration, count int) error {
	client := c.client()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, monitorHeader())
	for n := 0; count == 0 || n < count; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		s, err := client.Status(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			fmt.Fprintln(cmd.ErrOrStderr(), colorError("error: "+err.Error()))
		default:
			fmt.Fprintln(w, monitorLine(s))
		}
	}
	return nil
}

func (c *cli) newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear a latched fault; the loop reinitializes on its next tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.client().Reset(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset: mode %s\n", modeText(s.Mode))
			return nil
		},
	}
}

func (c *cli) newTripCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trip <reason>",
		Short: "Raise a fault: duty goes to minimum and the output is disabled",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client().Trip(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !resp.Tripped {
				fmt.Fprintf(cmd.OutOrStdout(), "already faulted: %s\n", resp.Snapshot.Cause)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tripped: mode %s (%s)\n", modeText(resp.Snapshot.Mode), resp.Snapshot.Cause)
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

