// darwin watches how skills are used, scores them, and evolves their prompt
// modules. The hook subcommand is invoked by the host on every lifecycle
// event; everything else is for humans and cron.
package main

import (
	"fmt"
	"os"

	"darwin/internal/config"
	"darwin/internal/fitness"
	"darwin/internal/logging"
	"darwin/internal/mutation"
	"darwin/internal/skills"
	"darwin/internal/snapshot"
	"darwin/internal/telemetry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "darwin",
	Short: "darwin - skill fitness tracking and prompt evolution",
	Long: `darwin closes the loop between skill usage and skill definitions.

Host lifecycle hooks feed an append-only event store; fitness evaluation
turns those events into per-skill scores; the evolution cycle mutates the
prompt modules of underperforming skills and rolls back regressions.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The hook path must stay silent on stdout/stderr; it gets a
		// no-op logger and relies on the category file logs.
		if cmd.Name() == "hook" {
			logger = zap.NewNop()
			return nil
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// runtime bundles the stores every subcommand needs. Construction is cheap;
// nothing opens until first use except the category log config.
type runtime struct {
	cfg       *config.Config
	events    *telemetry.Store
	store     *skills.Store
	registry  *skills.RegistryCache
	compiler  *skills.Compiler
	snapshots *snapshot.Manager
	engine    *fitness.Engine
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.DataDir); err != nil {
		return nil, err
	}

	events := telemetry.NewStore(cfg.DataDir)
	store := skills.NewStore(cfg.DataDir)
	registry := skills.NewRegistryCache(cfg.DataDir)
	snapshots := snapshot.NewManager(cfg.DataDir, cfg.Evolution.RetentionWeeks)

	return &runtime{
		cfg:       cfg,
		events:    events,
		store:     store,
		registry:  registry,
		compiler:  skills.NewCompiler(store, registry, cfg.DataDir),
		snapshots: snapshots,
		engine:    fitness.NewEngine(events, store, snapshots, cfg.Fitness),
	}, nil
}

// controller opens the mutation ledger and wires the evolution controller.
// The caller owns the returned ledger.
func (r *runtime) controller() (*mutation.Controller, *mutation.Ledger, error) {
	ledger, err := mutation.OpenLedger(r.cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	ctrl := mutation.NewController(r.cfg.DataDir, r.store, r.registry, r.compiler,
		ledger, r.engine, r.snapshots, r.cfg.Evolution)
	return ctrl, ledger, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(evolveCmd)
	rootCmd.AddCommand(telemetryCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
