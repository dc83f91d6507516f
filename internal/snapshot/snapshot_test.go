package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"darwin/internal/fitness"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultWith(totals map[string]float64) *fitness.Result {
	skills := make(map[string]fitness.Score, len(totals))
	n := 0
	for skill, total := range totals {
		skills[skill] = fitness.Score{Skill: skill, Total: total, Invocations: 1}
		n++
	}
	return &fitness.Result{
		GeneratedAt:      time.Now().UTC(),
		TotalInvocations: n,
		Skills:           skills,
	}
}

func TestWeekKey(t *testing.T) {
	tests := []struct {
		date string
		want string
	}{
		{"2026-01-05", "2026-W02"},
		{"2026-08-29", "2026-W35"},
		// Jan 1-3 2027 belong to the last ISO week of 2026.
		{"2027-01-01", "2026-W53"},
		{"2025-12-29", "2026-W01"},
	}
	for _, tt := range tests {
		ts, err := time.Parse("2006-01-02", tt.date)
		require.NoError(t, err)
		assert.Equal(t, tt.want, WeekKey(ts), "date %s", tt.date)
	}
}

func TestTake_OverwritesSameWeek(t *testing.T) {
	m := NewManager(t.TempDir(), 12)
	m.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }

	_, err := m.Take(resultWith(map[string]float64{"plan": 0.4}))
	require.NoError(t, err)

	m.now = func() time.Time { return time.Date(2026, 3, 12, 17, 0, 0, 0, time.UTC) }
	snap, err := m.Take(resultWith(map[string]float64{"plan": 0.6}))
	require.NoError(t, err)

	weeks, err := m.Weeks()
	require.NoError(t, err)
	require.Len(t, weeks, 1, "same ISO week must collapse to one file")
	assert.Equal(t, snap.ISOWeek, weeks[0])

	latest, err := m.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 0.6, latest.Fitness["plan"].Total, 1e-9)
}

func TestTake_PrunesBeyondRetention(t *testing.T) {
	m := NewManager(t.TempDir(), 3)
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		week := base.AddDate(0, 0, 7*i)
		m.now = func() time.Time { return week }
		_, err := m.Take(resultWith(map[string]float64{"s": float64(i) / 10}))
		require.NoError(t, err)
	}

	weeks, err := m.Weeks()
	require.NoError(t, err)
	require.Len(t, weeks, 3)
	assert.Equal(t, []string{"2026-W05", "2026-W06", "2026-W07"}, weeks)

	latest, err := m.Latest()
	require.NoError(t, err)
	assert.Equal(t, "2026-W07", latest.ISOWeek)
}

func TestLoad_RoundTrip(t *testing.T) {
	m := NewManager(t.TempDir(), 12)
	m.now = func() time.Time { return time.Date(2026, 7, 6, 8, 30, 0, 0, time.UTC) }

	written, err := m.Take(resultWith(map[string]float64{"plan": 0.42, "review": 0.81}))
	require.NoError(t, err)

	loaded, err := m.Load(written.ISOWeek)
	require.NoError(t, err)

	if diff := cmp.Diff(written, loaded); diff != "" {
		t.Errorf("snapshot changed across disk round trip (-written +loaded):\n%s", diff)
	}
}

func TestLatest_Empty(t *testing.T) {
	m := NewManager(t.TempDir(), 12)
	snap, err := m.Latest()
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, ok := m.LatestTotals()
	assert.False(t, ok)
}

func TestLatest_SkipsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 12)
	m.now = func() time.Time { return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC) }
	_, err := m.Take(resultWith(map[string]float64{"s": 0.5}))
	require.NoError(t, err)

	// A newer week that never finished writing.
	bad := filepath.Join(dir, "evaluations", "2026-W09.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"iso_week":`), 0o644))

	latest, err := m.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2026-W06", latest.ISOWeek)
}

func TestLatestBefore(t *testing.T) {
	m := NewManager(t.TempDir(), 12)
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		week := base.AddDate(0, 0, 7*i)
		m.now = func() time.Time { return week }
		_, err := m.Take(resultWith(map[string]float64{"s": float64(i)}))
		require.NoError(t, err)
	}

	prev, err := m.LatestBefore("2026-W04")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "2026-W03", prev.ISOWeek)

	prev, err = m.LatestBefore("2026-W02")
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestLatestTotals(t *testing.T) {
	m := NewManager(t.TempDir(), 12)
	m.now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	_, err := m.Take(resultWith(map[string]float64{"plan": 0.7, "review": 0.3}))
	require.NoError(t, err)

	totals, ok := m.LatestTotals()
	require.True(t, ok)
	assert.InDelta(t, 0.7, totals["plan"], 1e-9)
	assert.InDelta(t, 0.3, totals["review"], 1e-9)
}
