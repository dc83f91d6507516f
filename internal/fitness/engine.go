// Package fitness aggregates the event store into per-skill fitness scores.
// Evaluation is a pure read over telemetry within a trailing window; nothing
// here mutates state, so a concurrent ingestion prefix is a valid snapshot.
package fitness

import (
	"time"

	"darwin/internal/config"
	"darwin/internal/logging"
	"darwin/internal/telemetry"
)

// SkillSource enumerates the configured skills. Every listed skill appears
// in engine output even with zero telemetry.
type SkillSource interface {
	List() ([]string, error)
}

// TrendSource provides the previous composite totals for the trend metric,
// keyed by skill. ok is false when no snapshot exists yet.
type TrendSource interface {
	LatestTotals() (map[string]float64, bool)
}

// Engine computes fitness scores.
type Engine struct {
	events *telemetry.Store
	skills SkillSource
	trends TrendSource
	cfg    config.FitnessConfig
	now    func() time.Time
}

// NewEngine wires an Engine. trends may be nil, in which case every trend
// reads as flat.
func NewEngine(events *telemetry.Store, skills SkillSource, trends TrendSource, cfg config.FitnessConfig) *Engine {
	return &Engine{
		events: events,
		skills: skills,
		trends: trends,
		cfg:    cfg,
		now:    time.Now,
	}
}

type skillStats struct {
	invocations    int
	completions    int
	completedTools int

	// abandoned counts invocations whose session ended with the skill
	// still open. They count for adoption but not against completion.
	abandoned int

	perSession map[string]*sessionTally
}

type sessionTally struct {
	invocations int
	completions int
}

// Evaluate scores every tracked skill over the configured usage window.
// Tracked means: declared in the skill store, or observed in telemetry.
func (e *Engine) Evaluate() (*Result, error) {
	now := e.now().UTC()
	since := now.Add(-time.Duration(e.cfg.UsageWindowDays) * 24 * time.Hour)

	invocations, err := e.events.Invocations(since)
	if err != nil {
		return nil, err
	}
	completions, err := e.events.Completions(since)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]*skillStats)
	statsFor := func(skill string) *skillStats {
		s, ok := stats[skill]
		if !ok {
			s = &skillStats{perSession: make(map[string]*sessionTally)}
			stats[skill] = s
		}
		return s
	}
	tallyFor := func(s *skillStats, session string) *sessionTally {
		t, ok := s.perSession[session]
		if !ok {
			t = &sessionTally{}
			s.perSession[session] = t
		}
		return t
	}

	for _, inv := range invocations {
		s := statsFor(inv.Skill)
		s.invocations++
		tallyFor(s, inv.SessionID).invocations++
	}
	for _, c := range completions {
		if !c.Completed {
			continue
		}
		s := statsFor(c.Skill)
		s.completions++
		s.completedTools += c.ToolCount
		tallyFor(s, c.SessionID).completions++
	}

	// Invocations left open when their session ended are abandoned: they
	// stay in the adoption numbers but are excluded from the completion
	// denominator. Session ends are read over all history so a window
	// that clips the end event does not resurrect an abandoned run.
	ended, err := e.endedSessions()
	if err != nil {
		return nil, err
	}
	for _, s := range stats {
		for session, t := range s.perSession {
			if !ended[session] {
				continue
			}
			if open := t.invocations - t.completions; open > 0 {
				s.abandoned += open
			}
		}
	}

	// Complete enumeration: configured skills first, then anything only
	// seen in telemetry.
	names, err := e.skills.List()
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]bool, len(names))
	for _, n := range names {
		tracked[n] = true
	}
	for skill := range stats {
		tracked[skill] = true
	}

	totalInvocations := len(invocations)

	var prevTotals map[string]float64
	var havePrev bool
	if e.trends != nil {
		prevTotals, havePrev = e.trends.LatestTotals()
	}

	result := &Result{
		GeneratedAt:      now,
		WindowStart:      since,
		TotalInvocations: totalInvocations,
		Skills:           make(map[string]Score, len(tracked)),
	}

	for skill := range tracked {
		s := stats[skill]
		if s == nil {
			s = &skillStats{}
		}
		score := e.score(skill, s, totalInvocations, prevTotals, havePrev)
		result.Skills[skill] = score
	}

	logging.Fitness("evaluated %d skills over %d invocations (window %dd)",
		len(result.Skills), totalInvocations, e.cfg.UsageWindowDays)
	return result, nil
}

func (e *Engine) endedSessions() (map[string]bool, error) {
	audits, err := e.events.Audits(time.Time{})
	if err != nil {
		return nil, err
	}
	ended := make(map[string]bool)
	for _, a := range audits {
		if a.Kind == telemetry.EventSessionEnd {
			ended[a.SessionID] = true
		}
	}
	return ended, nil
}

func (e *Engine) score(skill string, s *skillStats, totalInvocations int, prevTotals map[string]float64, havePrev bool) Score {
	score := Score{
		Skill:       skill,
		Invocations: s.invocations,
		Completions: s.completions,
	}

	if s.invocations == 0 {
		// No sample: all-zero metrics, explicitly marked, never omitted.
		score.NoData = true
		score.Tier = Classify(0, e.cfg.Thresholds)
		return score
	}

	if totalInvocations > 0 {
		score.Adoption = float64(s.invocations) / float64(totalInvocations)
	}
	// Completions can land in the window while their invocation falls
	// outside it, so both the ratio and the composite are clamped.
	if den := s.invocations - s.abandoned; den > 0 {
		score.Completion = clamp01(float64(s.completions) / float64(den))
	}

	if s.completions > 0 {
		score.AvgToolCount = float64(s.completedTools) / float64(s.completions)
		score.Efficiency = clamp01(1 - score.AvgToolCount/e.cfg.ReferenceToolCount)
	}

	w := e.cfg.Weights
	base := weighted3(score, w)

	// Trend compares this run's usage composite against the last stored
	// snapshot; raw delta is clamped to [-1,1] then shifted to [0,1].
	raw := 0.0
	if havePrev {
		if prev, ok := prevTotals[skill]; ok {
			raw = clamp(base-prev, -1, 1)
		}
	}
	score.Trend = (raw + 1) / 2

	sum := w.Adoption + w.Completion + w.Efficiency + w.Trend
	score.Total = clamp01((w.Adoption*score.Adoption +
		w.Completion*score.Completion +
		w.Efficiency*score.Efficiency +
		w.Trend*score.Trend) / sum)
	score.Tier = Classify(score.Total, e.cfg.Thresholds)
	return score
}

// weighted3 is the usage composite without the trend term, used as the
// trend comparison basis.
func weighted3(s Score, w config.Weights) float64 {
	sum := w.Adoption + w.Completion + w.Efficiency
	if sum <= 0 {
		return 0
	}
	return (w.Adoption*s.Adoption + w.Completion*s.Completion + w.Efficiency*s.Efficiency) / sum
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
