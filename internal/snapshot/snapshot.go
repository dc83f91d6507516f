// Package snapshot persists weekly fitness evaluations. One JSON file per
// ISO week under <dataDir>/evaluations; re-evaluating within the same week
// overwrites that week's file, so history holds at most one entry per week.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"darwin/internal/fitness"
	"darwin/internal/logging"
)

// Snapshot is one persisted evaluation.
type Snapshot struct {
	ISOWeek          string                   `json:"iso_week"`
	SnapshotTime     time.Time                `json:"snapshot_time"`
	TotalInvocations int                      `json:"total_invocations"`
	Fitness          map[string]fitness.Score `json:"fitness"`
}

// Manager owns the evaluations directory.
type Manager struct {
	dir       string
	retention int
	now       func() time.Time
}

// NewManager returns a Manager rooted at <dataDir>/evaluations, keeping the
// newest retentionWeeks snapshots.
func NewManager(dataDir string, retentionWeeks int) *Manager {
	return &Manager{
		dir:       filepath.Join(dataDir, "evaluations"),
		retention: retentionWeeks,
		now:       time.Now,
	}
}

// WeekKey formats t's ISO week as "YYYY-Www", the snapshot file stem.
// Zero-padding the week keeps lexical and chronological order aligned.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Take persists res as this week's snapshot, replacing any earlier snapshot
// for the same ISO week, then prunes history past the retention horizon.
func (m *Manager) Take(res *fitness.Result) (*Snapshot, error) {
	now := m.now().UTC()
	snap := &Snapshot{
		ISOWeek:          WeekKey(now),
		SnapshotTime:     now,
		TotalInvocations: res.TotalInvocations,
		Fitness:          res.Skills,
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evaluations dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	// Write-then-rename so a reader never sees a half-written week.
	path := m.path(snap.ISOWeek)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}

	logging.Snapshot("wrote %s (%d skills, %d invocations)",
		snap.ISOWeek, len(snap.Fitness), snap.TotalInvocations)
	m.prune()
	return snap, nil
}

// Latest returns the most recent snapshot on disk, or nil when none exists.
// Unreadable files are skipped in favor of the next newest.
func (m *Manager) Latest() (*Snapshot, error) {
	weeks, err := m.weeks()
	if err != nil {
		return nil, err
	}
	for i := len(weeks) - 1; i >= 0; i-- {
		snap, err := m.Load(weeks[i])
		if err != nil {
			logging.SnapshotWarn("skipping unreadable snapshot %s: %v", weeks[i], err)
			continue
		}
		return snap, nil
	}
	return nil, nil
}

// LatestBefore returns the newest snapshot strictly older than the given
// ISO week key, or nil when none exists.
func (m *Manager) LatestBefore(week string) (*Snapshot, error) {
	weeks, err := m.weeks()
	if err != nil {
		return nil, err
	}
	for i := len(weeks) - 1; i >= 0; i-- {
		if weeks[i] >= week {
			continue
		}
		snap, err := m.Load(weeks[i])
		if err != nil {
			logging.SnapshotWarn("skipping unreadable snapshot %s: %v", weeks[i], err)
			continue
		}
		return snap, nil
	}
	return nil, nil
}

// Load reads the snapshot for one ISO week key.
func (m *Manager) Load(week string) (*Snapshot, error) {
	data, err := os.ReadFile(m.path(week))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", week, err)
	}
	return &snap, nil
}

// Weeks lists stored ISO week keys in chronological order.
func (m *Manager) Weeks() ([]string, error) {
	return m.weeks()
}

// LatestTotals satisfies fitness.TrendSource: the composite totals from the
// newest snapshot, or ok=false when no usable snapshot exists.
func (m *Manager) LatestTotals() (map[string]float64, bool) {
	snap, err := m.Latest()
	if err != nil || snap == nil {
		return nil, false
	}
	totals := make(map[string]float64, len(snap.Fitness))
	for skill, score := range snap.Fitness {
		totals[skill] = score.Total
	}
	return totals, true
}

func (m *Manager) path(week string) string {
	return filepath.Join(m.dir, week+".json")
}

func (m *Manager) weeks() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	var weeks []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		weeks = append(weeks, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(weeks)
	return weeks, nil
}

// prune removes snapshots beyond the retention horizon. Failures are logged
// and ignored; stale history never blocks a fresh snapshot.
func (m *Manager) prune() {
	if m.retention <= 0 {
		return
	}
	weeks, err := m.weeks()
	if err != nil {
		logging.SnapshotWarn("prune: %v", err)
		return
	}
	for len(weeks) > m.retention {
		week := weeks[0]
		weeks = weeks[1:]
		if err := os.Remove(m.path(week)); err != nil {
			logging.SnapshotWarn("prune %s: %v", week, err)
			continue
		}
		logging.Snapshot("pruned %s", week)
	}
}
