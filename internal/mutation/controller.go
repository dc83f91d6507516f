// Package mutation decides and applies prompt-module changes based on
// fitness evaluation. Two moves exist: absorb the version a top performer
// uses for a slot, or advance to the next untried registry variant. Every
// applied change is recorded before the skill file is touched and judged
// after an observation window, with rollback on regression.
package mutation

import (
	"fmt"
	"path/filepath"
	"time"

	"darwin/internal/config"
	"darwin/internal/fitness"
	"darwin/internal/logging"
	"darwin/internal/skills"
	"darwin/internal/snapshot"
	"darwin/internal/telemetry"

	"github.com/google/uuid"
)

const (
	TypeAbsorb   = "absorb"
	TypeMutate   = "mutate"
	TypeRollback = "rollback"
)

// lockStaleAfter bounds how long a crashed cycle can block the next one.
const lockStaleAfter = time.Hour

// Record is the write-ahead entry appended to mutations.jsonl before any
// skill file is edited. A change visible on disk without its record would
// be unattributable, so the record always lands first.
type Record struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Skill         string    `json:"skill"`
	Slot          string    `json:"slot"`
	FromVersion   string    `json:"from_version"`
	ToVersion     string    `json:"to_version"`
	MutationType  string    `json:"mutation_type"`
	SourceSkill   string    `json:"source_skill,omitempty"`
	FitnessBefore float64   `json:"fitness_before"`
	Reason        string    `json:"reason"`
}

// Proposal is one planned change for a skill, or an explanation of why the
// skill cannot be changed.
type Proposal struct {
	Skill         string  `json:"skill"`
	Slot          string  `json:"slot,omitempty"`
	FromVersion   string  `json:"from_version,omitempty"`
	ToVersion     string  `json:"to_version,omitempty"`
	MutationType  string  `json:"mutation_type,omitempty"`
	SourceSkill   string  `json:"source_skill,omitempty"`
	FitnessBefore float64 `json:"fitness_before"`
	Reason        string  `json:"reason"`
	Paused        bool    `json:"paused,omitempty"`
	PauseReason   string  `json:"pause_reason,omitempty"`
}

// Resolution is the verdict on a previously applied mutation.
type Resolution struct {
	Attempt Attempt `json:"attempt"`
	Outcome string  `json:"outcome"`
}

// Report summarizes one evolution cycle.
type Report struct {
	GeneratedAt     time.Time    `json:"generated_at"`
	DryRun          bool         `json:"dry_run"`
	EvaluatedSkills int          `json:"evaluated_skills"`
	SnapshotWeek    string       `json:"snapshot_week,omitempty"`
	Resolved        []Resolution `json:"resolved,omitempty"`
	Proposals       []Proposal   `json:"proposals,omitempty"`
	Applied         []Record     `json:"applied,omitempty"`
	Failed          []string     `json:"failed,omitempty"`
}

// Evaluator produces a fresh fitness evaluation.
type Evaluator interface {
	Evaluate() (*fitness.Result, error)
}

// Snapshotter persists an evaluation for later trend comparison. May be
// nil, in which case cycles skip the snapshot step.
type Snapshotter interface {
	Take(res *fitness.Result) (*snapshot.Snapshot, error)
}

// Controller runs the decide-apply-verify loop.
type Controller struct {
	store     *skills.Store
	registry  *skills.RegistryCache
	compiler  *skills.Compiler
	ledger    *Ledger
	eval      Evaluator
	snapshots Snapshotter
	wal       *telemetry.Log
	lock      *cycleLock
	cfg       config.EvolutionConfig
	now       func() time.Time
}

// NewController wires a Controller over dataDir.
func NewController(dataDir string, store *skills.Store, registry *skills.RegistryCache,
	compiler *skills.Compiler, ledger *Ledger, eval Evaluator, snapshots Snapshotter,
	cfg config.EvolutionConfig) *Controller {
	return &Controller{
		store:     store,
		registry:  registry,
		compiler:  compiler,
		ledger:    ledger,
		eval:      eval,
		snapshots: snapshots,
		wal:       telemetry.OpenLog(filepath.Join(dataDir, "mutations.jsonl")),
		lock:      newCycleLock(dataDir, lockStaleAfter),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Suggest evaluates and proposes without applying anything. It never writes.
func (c *Controller) Suggest() (*Report, error) {
	res, err := c.eval.Evaluate()
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	reg, err := c.registry.Get()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	proposals, err := c.propose(res, reg, false)
	if err != nil {
		return nil, err
	}
	return &Report{
		GeneratedAt:     c.now().UTC(),
		DryRun:          true,
		EvaluatedSkills: len(res.Skills),
		Proposals:       proposals,
	}, nil
}

// Cycle runs one full evolution pass: resolve matured mutations, evaluate,
// propose, and (unless dryRun) apply. Cycles are serialized by a lock file;
// a concurrent cycle is an error, not a queue.
func (c *Controller) Cycle(dryRun bool) (*Report, error) {
	now := c.now().UTC()
	if !dryRun {
		if err := c.lock.Acquire(now); err != nil {
			return nil, err
		}
		defer c.lock.Release()
	}

	res, err := c.eval.Evaluate()
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	report := &Report{GeneratedAt: now, DryRun: dryRun, EvaluatedSkills: len(res.Skills)}

	// The snapshot captures fitness as evaluated, before this cycle's
	// mutations can touch any skill file.
	if !dryRun && c.snapshots != nil {
		snap, err := c.snapshots.Take(res)
		if err != nil {
			logging.SnapshotWarn("snapshot during cycle: %v", err)
		} else {
			report.SnapshotWeek = snap.ISOWeek
		}
	}

	if !dryRun {
		resolved, err := c.resolveMatured(res, now)
		if err != nil {
			return nil, err
		}
		report.Resolved = resolved
	}

	reg, err := c.registry.Get()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	proposals, err := c.propose(res, reg, !dryRun)
	if err != nil {
		return nil, err
	}
	report.Proposals = proposals

	if dryRun {
		return report, nil
	}

	for _, p := range proposals {
		if p.Paused {
			continue
		}
		rec, err := c.apply(p, now)
		if err != nil {
			// One broken skill must not sink the rest of the cycle.
			logging.MutationError("apply %s %s: %v", p.Skill, p.Slot, err)
			report.Failed = append(report.Failed, p.Skill)
			continue
		}
		report.Applied = append(report.Applied, rec)
	}
	return report, nil
}

// resolveMatured judges every unresolved mutation whose observation window
// has elapsed: keep it if the skill's fitness improved, otherwise restore
// the previous version. Skills with no fresh usage stay under observation.
func (c *Controller) resolveMatured(res *fitness.Result, now time.Time) ([]Resolution, error) {
	pending, err := c.ledger.Unresolved()
	if err != nil {
		return nil, fmt.Errorf("list unresolved: %w", err)
	}
	window := time.Duration(c.cfg.ObservationWindowDays) * 24 * time.Hour

	var out []Resolution
	for _, a := range pending {
		if now.Sub(a.AppliedAt) < window {
			continue
		}
		score, ok := res.Skills[a.Skill]
		if !ok || score.NoData {
			logging.Mutation("holding %s on %s: no usage since mutation", a.ID, a.Skill)
			continue
		}

		if score.Total > a.FitnessBefore {
			if err := c.ledger.Resolve(a.ID, "kept", now); err != nil {
				return nil, err
			}
			logging.Mutation("kept %s: %s %s %s -> %s (%.3f -> %.3f)",
				a.ID, a.Skill, a.Slot, a.FromVersion, a.ToVersion, a.FitnessBefore, score.Total)
			out = append(out, Resolution{Attempt: a, Outcome: "kept"})
			continue
		}

		if err := c.rollback(a, score.Total, now); err != nil {
			logging.MutationError("rollback %s: %v", a.ID, err)
			continue
		}
		out = append(out, Resolution{Attempt: a, Outcome: "rolled_back"})
	}
	return out, nil
}

func (c *Controller) rollback(a Attempt, currentTotal float64, now time.Time) error {
	if a.FromVersion == "" {
		// The slot did not exist before; there is no prior version to
		// restore. Record the verdict and move on.
		logging.MutationWarn("cannot roll back %s: slot %s/%s had no prior version",
			a.ID, a.Skill, a.Slot)
		return c.ledger.Resolve(a.ID, "rolled_back", now)
	}

	rec := Record{
		ID:            uuid.New().String(),
		Timestamp:     now,
		Skill:         a.Skill,
		Slot:          a.Slot,
		FromVersion:   a.ToVersion,
		ToVersion:     a.FromVersion,
		MutationType:  TypeRollback,
		FitnessBefore: currentTotal,
		Reason:        fmt.Sprintf("regression after %s (%.3f -> %.3f)", a.ID, a.FitnessBefore, currentTotal),
	}
	if err := c.wal.Append(rec); err != nil {
		return fmt.Errorf("write rollback record: %w", err)
	}
	if _, err := c.store.SetModuleVersion(a.Skill, a.Slot, a.FromVersion, currentTotal); err != nil {
		return fmt.Errorf("restore version: %w", err)
	}
	if _, err := c.compiler.Compile(a.Skill); err != nil {
		return fmt.Errorf("recompile: %w", err)
	}
	if err := c.ledger.Resolve(a.ID, "rolled_back", now); err != nil {
		return err
	}
	logging.Mutation("rolled back %s: %s %s restored to %s", a.ID, a.Skill, a.Slot, a.FromVersion)
	return nil
}

// propose picks candidates worst-first and plans one change per skill, up
// to the per-cycle cap. mutateLedger allows exhausted marks to be written
// and cleared; Suggest passes false.
func (c *Controller) propose(res *fitness.Result, reg *skills.Registry, mutateLedger bool) ([]Proposal, error) {
	ranked := res.Ranked()

	// Every top-tier skill is an absorption source, best first: the
	// highest-ranked one may share the underperformer's slot versions
	// while a lower top performer has something new to offer.
	var topSkills []string
	for _, s := range ranked {
		if s.Tier == fitness.TierTopPerformer && !s.NoData {
			topSkills = append(topSkills, s.Skill)
		}
	}

	now := c.now().UTC()
	cooldown := time.Duration(c.cfg.ObservationWindowDays) * 24 * time.Hour

	pending, err := c.ledger.Unresolved()
	if err != nil {
		return nil, err
	}
	awaiting := make(map[string]bool, len(pending))
	for _, a := range pending {
		awaiting[a.Skill] = true
	}

	var proposals []Proposal
	applied := 0
	for i := len(ranked) - 1; i >= 0 && applied < c.cfg.MaxMutationsPerCycle; i-- {
		score := ranked[i]
		if score.NoData {
			// Never mutate without a sample; a dormant skill might be fine.
			continue
		}
		if score.Tier != fitness.TierUnderperforming && score.Tier != fitness.TierFailing {
			continue
		}
		if awaiting[score.Skill] {
			// An earlier mutation is still under observation.
			continue
		}

		last, ok, err := c.ledger.LastAttemptTime(score.Skill)
		if err != nil {
			return nil, err
		}
		if ok && now.Sub(last) < cooldown {
			logging.Mutation("skipping %s: mutated %s ago, still under observation",
				score.Skill, now.Sub(last).Round(time.Hour))
			continue
		}

		p, err := c.proposalFor(score, topSkills, reg, mutateLedger)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
		if !p.Paused {
			applied++
		}
	}
	return proposals, nil
}

// proposalFor plans the single change for one underperforming skill:
// absorption from a top performer when a differing untried slot version
// exists, otherwise the next untried registry variant.
func (c *Controller) proposalFor(score fitness.Score, topSkills []string, reg *skills.Registry, mutateLedger bool) (Proposal, error) {
	skill := score.Skill
	current, err := c.store.ModuleVersions(skill)
	if err != nil {
		return Proposal{}, err
	}

	for _, topSkill := range topSkills {
		if topSkill == skill {
			continue
		}
		top, err := c.store.ModuleVersions(topSkill)
		if err != nil {
			return Proposal{}, err
		}
		for _, slot := range reg.Slots() {
			want := top[slot]
			if want == "" || want == current[slot] {
				continue
			}
			viable, err := c.slotViable(skill, slot, want, mutateLedger)
			if err != nil {
				return Proposal{}, err
			}
			if !viable {
				continue
			}
			return Proposal{
				Skill:         skill,
				Slot:          slot,
				FromVersion:   current[slot],
				ToVersion:     want,
				MutationType:  TypeAbsorb,
				SourceSkill:   topSkill,
				FitnessBefore: score.Total,
				Reason:        fmt.Sprintf("absorb %s from top performer %s", slot, topSkill),
			}, nil
		}
	}

	for _, slot := range reg.Slots() {
		tried, err := c.ledger.TriedVersions(skill, slot)
		if err != nil {
			return Proposal{}, err
		}
		for _, v := range reg.Variants(slot) {
			if v == current[slot] || tried[v] {
				continue
			}
			viable, err := c.slotViable(skill, slot, v, mutateLedger)
			if err != nil {
				return Proposal{}, err
			}
			if !viable {
				continue
			}
			return Proposal{
				Skill:         skill,
				Slot:          slot,
				FromVersion:   current[slot],
				ToVersion:     v,
				MutationType:  TypeMutate,
				FitnessBefore: score.Total,
				Reason:        fmt.Sprintf("next untried %s variant", slot),
			}, nil
		}
		if mutateLedger {
			if err := c.ledger.MarkExhausted(skill, slot, c.now().UTC()); err != nil {
				return Proposal{}, err
			}
		}
	}

	return Proposal{
		Skill:         skill,
		FitnessBefore: score.Total,
		Paused:        true,
		PauseReason:   "all registry variants tried for every slot",
	}, nil
}

// slotViable checks the exhausted mark for a slot, clearing it when the
// candidate version proves new variants exist.
func (c *Controller) slotViable(skill, slot, candidate string, mutateLedger bool) (bool, error) {
	tried, err := c.ledger.TriedVersions(skill, slot)
	if err != nil {
		return false, err
	}
	if tried[candidate] {
		return false, nil
	}
	exhausted, err := c.ledger.IsExhausted(skill, slot)
	if err != nil {
		return false, err
	}
	if exhausted {
		if !mutateLedger {
			return true, nil
		}
		if err := c.ledger.ClearExhausted(skill, slot); err != nil {
			return false, err
		}
		logging.Mutation("cleared exhausted mark: %s/%s has untried variant %s", skill, slot, candidate)
	}
	return true, nil
}

// apply commits one proposal: write-ahead record, ledger attempt, skill
// file edit, recompile. Strictly in that order.
func (c *Controller) apply(p Proposal, now time.Time) (Record, error) {
	rec := Record{
		ID:            uuid.New().String(),
		Timestamp:     now,
		Skill:         p.Skill,
		Slot:          p.Slot,
		FromVersion:   p.FromVersion,
		ToVersion:     p.ToVersion,
		MutationType:  p.MutationType,
		SourceSkill:   p.SourceSkill,
		FitnessBefore: p.FitnessBefore,
		Reason:        p.Reason,
	}
	if err := c.wal.Append(rec); err != nil {
		return Record{}, fmt.Errorf("write mutation record: %w", err)
	}
	if err := c.ledger.RecordAttempt(Attempt{
		ID:            rec.ID,
		Skill:         rec.Skill,
		Slot:          rec.Slot,
		FromVersion:   rec.FromVersion,
		ToVersion:     rec.ToVersion,
		MutationType:  rec.MutationType,
		SourceSkill:   rec.SourceSkill,
		FitnessBefore: rec.FitnessBefore,
		AppliedAt:     now,
	}); err != nil {
		return Record{}, fmt.Errorf("record attempt: %w", err)
	}
	if _, err := c.store.SetModuleVersion(p.Skill, p.Slot, p.ToVersion, p.FitnessBefore); err != nil {
		return Record{}, fmt.Errorf("apply version: %w", err)
	}
	if _, err := c.compiler.Compile(p.Skill); err != nil {
		return Record{}, fmt.Errorf("recompile: %w", err)
	}
	logging.Mutation("applied %s: %s %s %s -> %s (%s)",
		rec.ID, p.Skill, p.Slot, orNone(p.FromVersion), p.ToVersion, p.MutationType)
	return rec, nil
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
