package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"darwin/internal/fitness"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current skill fitness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		res, err := rt.engine.Evaluate()
		if err != nil {
			return err
		}
		printStatus(res, rt.cfg.Fitness.UsageWindowDays)
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [skill]",
	Short: "Print fitness scores as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		res, err := rt.engine.Evaluate()
		if err != nil {
			return err
		}

		var out interface{} = res
		if len(args) == 1 {
			score, ok := res.Skills[args[0]]
			if !ok {
				return fmt.Errorf("unknown skill: %s", args[0])
			}
			out = score
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Propose mutations without applying them",
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

		report, err := ctrl.Suggest()
		if err != nil {
			return err
		}

		if len(report.Proposals) == 0 {
			fmt.Println("No mutations suggested; every sampled skill is healthy.")
			return nil
		}
		for _, p := range report.Proposals {
			if p.Paused {
				fmt.Printf("  /%s  paused: %s\n", p.Skill, p.PauseReason)
				continue
			}
			fmt.Printf("  /%s  %s %s: %s -> %s  (%s, fitness %.2f)\n",
				p.Skill, p.MutationType, p.Slot, orDash(p.FromVersion), p.ToVersion,
				p.Reason, p.FitnessBefore)
		}
		return nil
	},
}

func printStatus(res *fitness.Result, windowDays int) {
	rule := strings.Repeat("═", 51)
	fmt.Println(rule)
	fmt.Println("DARWIN EVOLUTION STATUS")
	fmt.Println(rule)
	fmt.Println()
	fmt.Printf("DATA: %d skill invocations │ Period: last %d days\n\n", res.TotalInvocations, windowDays)

	ranked := res.Ranked()
	if len(ranked) == 0 {
		fmt.Println("No skills to evaluate.")
		return
	}

	fmt.Println("SKILL FITNESS")
	fmt.Println(strings.Repeat("─", 51))
	for i, s := range ranked {
		filled := int(s.Total * 10)
		bar := strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
		fmt.Printf(" %2d. /%-12s %s  %.2f  [%2d uses] %s\n",
			i+1, s.Skill, bar, s.Total, s.Invocations, tierGlyph(s.Tier))
	}
	fmt.Println()
	fmt.Println("LEGEND: ★ top performer  ✓ healthy  ↓ underperforming  ✗ failing")
	fmt.Println(rule)
}

func tierGlyph(t fitness.Tier) string {
	switch t {
	case fitness.TierTopPerformer:
		return "★"
	case fitness.TierHealthy:
		return "✓"
	case fitness.TierUnderperforming:
		return "↓"
	default:
		return "✗"
	}
}

func orDash(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
