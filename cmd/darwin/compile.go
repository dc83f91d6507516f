package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compileAll bool

var compileCmd = &cobra.Command{
	Use:   "compile [skill]",
	Short: "Assemble skill markdown from definitions and the module registry",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}

		if compileAll {
			if err := rt.compiler.CompileAll(); err != nil {
				return err
			}
			fmt.Println("compiled all skills")
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("specify a skill name or --all")
		}

		path, err := rt.compiler.Compile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("compiled /%s -> %s\n", args[0], path)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write this week's fitness snapshot and prune old ones",
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
		snap, err := rt.snapshots.Take(res)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot %s: %d skills, %d invocations\n",
			snap.ISOWeek, len(snap.Fitness), snap.TotalInvocations)
		return nil
	},
}

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Print raw event store counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		counts, err := rt.events.Counts()
		if err != nil {
			return err
		}
		fmt.Printf("invocations:  %d\n", counts.Invocations)
		fmt.Printf("completions:  %d\n", counts.Completions)
		fmt.Printf("tool uses:    %d\n", counts.ToolUses)
		fmt.Printf("audit events: %d\n", counts.AuditEvents)
		return nil
	},
}

func init() {
	compileCmd.Flags().BoolVar(&compileAll, "all", false, "Compile every defined skill")
}
