package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var asOf string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one lifecycle sweep and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		now, err := sweepInstant()
		if err != nil {
			return err
		}
		report, err := deps.Sweeper.Sweep(cmd.Context(), now)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resolve charges left pending by provider timeouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		now, err := sweepInstant()
		if err != nil {
			return err
		}
		report, err := deps.Sweeper.Reconcile(cmd.Context(), now)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print dashboard statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := deps.Stats.DashboardStats(cmd.Context(), deps.Clock.Now())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	for _, c := range []*cobra.Command{sweepCmd, reconcileCmd} {
		c.Flags().StringVar(&asOf, "as-of", "", "RFC3339 instant to evaluate at (defaults to now, must not be in the future)")
	}
}

func sweepInstant() (time.Time, error) {
	now := deps.Clock.Now()
	if asOf == "" {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339, asOf)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of: %w", err)
	}
	if t.After(now) {
		return time.Time{}, fmt.Errorf("--as-of must not be in the future")
	}
	return t, nil
}
