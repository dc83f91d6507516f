// Package config loads Darwin configuration from .darwin/config.json.
// Missing file or missing fields fall back to defaults; environment
// variables override file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DataDirName is the per-workspace data directory.
const DataDirName = ".darwin"

// Config holds all Darwin configuration.
type Config struct {
	// DataDir is the absolute path to the .darwin directory.
	// Resolved at load time, not persisted.
	DataDir string `json:"-"`

	Fitness   FitnessConfig   `json:"fitness"`
	Evolution EvolutionConfig `json:"evolution"`
	Logging   LoggingConfig   `json:"logging"`
}

// FitnessConfig configures the fitness engine.
type FitnessConfig struct {
	Weights    Weights    `json:"weights"`
	Thresholds Thresholds `json:"thresholds"`

	// ReferenceToolCount normalizes the efficiency metric: a completed
	// invocation averaging this many tool calls scores 0.
	ReferenceToolCount float64 `json:"reference_tool_count"`

	// UsageWindowDays bounds the trailing window for usage metrics.
	UsageWindowDays int `json:"usage_window_days"`
}

// Weights are the composite fitness weights. They are normalized at
// evaluation time, so only their relative sizes matter.
type Weights struct {
	Adoption   float64 `json:"adoption"`
	Completion float64 `json:"completion"`
	Efficiency float64 `json:"efficiency"`
	Trend      float64 `json:"trend"`
}

// Thresholds are the fitness tier boundaries.
type Thresholds struct {
	TopPerformer    float64 `json:"top_performer"`
	Healthy         float64 `json:"healthy"`
	Underperforming float64 `json:"underperforming"`
}

// EvolutionConfig configures snapshots and the mutation controller.
type EvolutionConfig struct {
	// RetentionWeeks is how many weekly snapshots to keep.
	RetentionWeeks int `json:"retention_weeks"`

	// ObservationWindowDays is the minimum age of an applied mutation
	// before its fitness is verified for rollback.
	ObservationWindowDays int `json:"observation_window_days"`

	// MaxMutationsPerCycle caps how many skills are mutated in one cycle.
	MaxMutationsPerCycle int `json:"max_mutations_per_cycle"`
}

// LoggingConfig mirrors the logging package's expectations.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Level      string          `json:"level"`
	Categories map[string]bool `json:"categories"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Fitness: FitnessConfig{
			Weights: Weights{
				Adoption:   1,
				Completion: 1,
				Efficiency: 1,
				Trend:      1,
			},
			Thresholds: Thresholds{
				TopPerformer:    0.70,
				Healthy:         0.50,
				Underperforming: 0.35,
			},
			ReferenceToolCount: 20,
			UsageWindowDays:    7,
		},
		Evolution: EvolutionConfig{
			RetentionWeeks:        12,
			ObservationWindowDays: 7,
			MaxMutationsPerCycle:  3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load resolves the data directory for the workspace and reads config.json
// from it. A missing or unreadable config file yields defaults; a malformed
// one is an error so bad edits do not silently vanish.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	cfg.DataDir = ResolveDataDir(workspace)

	path := filepath.Join(cfg.DataDir, "config.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// ResolveDataDir returns the data directory for a workspace, honoring the
// DARWIN_DIR override used by the host's hook configuration.
func ResolveDataDir(workspace string) string {
	if dir := os.Getenv("DARWIN_DIR"); dir != "" {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, DataDirName)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DARWIN_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("DARWIN_REFERENCE_TOOL_COUNT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Fitness.ReferenceToolCount = f
		}
	}
}

// normalize repairs values a hand-edited config could break.
func (c *Config) normalize() {
	d := Default()
	if c.Fitness.ReferenceToolCount <= 0 {
		c.Fitness.ReferenceToolCount = d.Fitness.ReferenceToolCount
	}
	if c.Fitness.UsageWindowDays <= 0 {
		c.Fitness.UsageWindowDays = d.Fitness.UsageWindowDays
	}
	if c.Evolution.RetentionWeeks <= 0 {
		c.Evolution.RetentionWeeks = d.Evolution.RetentionWeeks
	}
	if c.Evolution.ObservationWindowDays <= 0 {
		c.Evolution.ObservationWindowDays = d.Evolution.ObservationWindowDays
	}
	if c.Evolution.MaxMutationsPerCycle <= 0 {
		c.Evolution.MaxMutationsPerCycle = d.Evolution.MaxMutationsPerCycle
	}
	w := c.Fitness.Weights
	if w.Adoption+w.Completion+w.Efficiency+w.Trend <= 0 {
		c.Fitness.Weights = d.Fitness.Weights
	}
	t := c.Fitness.Thresholds
	if t.TopPerformer <= 0 || t.Healthy <= 0 || t.Underperforming <= 0 {
		c.Fitness.Thresholds = d.Fitness.Thresholds
	}
}
