package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var evolveDryRun bool

// evolveCmd runs one full cycle: resolve matured mutations, evaluate,
// snapshot, then mutate underperformers.
var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run one evolution cycle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		ctrl, ledger, err := rt.controller()
		if err != nil {
			return err
		}
		defer ledger.Close()

		report, err := ctrl.Cycle(evolveDryRun)
		if err != nil {
			return err
		}

		if report.SnapshotWeek != "" {
			logger.Info("snapshot written", zap.String("week", report.SnapshotWeek))
		}

		for _, r := range report.Resolved {
			fmt.Printf("  %s: /%s %s %s -> %s\n",
				r.Outcome, r.Attempt.Skill, r.Attempt.Slot, r.Attempt.FromVersion, r.Attempt.ToVersion)
		}
		for _, p := range report.Proposals {
			if p.Paused {
				fmt.Printf("  paused: /%s (%s)\n", p.Skill, p.PauseReason)
			}
		}
		for _, rec := range report.Applied {
			fmt.Printf("  applied: /%s %s %s: %s -> %s\n",
				rec.Skill, rec.MutationType, rec.Slot, orDash(rec.FromVersion), rec.ToVersion)
		}
		for _, skill := range report.Failed {
			fmt.Printf("  failed: /%s (see mutation log)\n", skill)
		}
		if evolveDryRun && len(report.Proposals) > 0 {
			fmt.Printf("dry run: %d proposal(s), nothing applied\n", len(report.Proposals))
		}
		if len(report.Resolved)+len(report.Applied)+len(report.Proposals) == 0 {
			fmt.Println("Nothing to do; every sampled skill is healthy.")
		}
		return nil
	},
}

func init() {
	evolveCmd.Flags().BoolVar(&evolveDryRun, "dry-run", false, "Evaluate and propose without applying")
}
