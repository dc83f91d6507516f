package mutation

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"darwin/internal/config"
	"darwin/internal/fitness"
	"darwin/internal/skills"
	"darwin/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `
modules:
  output:
    v1:
      prompt: Output tersely.
    v2:
      prompt: Output with headers.
    v3:
      prompt: Output as a table.
`

type stubEval struct {
	res *fitness.Result
}

func (s *stubEval) Evaluate() (*fitness.Result, error) { return s.res, nil }

func fx(skill string, total float64) fitness.Score {
	return fitness.Score{
		Skill:       skill,
		Total:       total,
		Tier:        fitness.Classify(total, config.Default().Fitness.Thresholds),
		Invocations: 10,
	}
}

func fxNoData(skill string) fitness.Score {
	return fitness.Score{
		Skill:  skill,
		Tier:   fitness.TierFailing,
		NoData: true,
	}
}

func resultOf(scores ...fitness.Score) *fitness.Result {
	res := &fitness.Result{
		GeneratedAt: time.Now().UTC(),
		Skills:      make(map[string]fitness.Score, len(scores)),
	}
	for _, s := range scores {
		res.Skills[s.Skill] = s
	}
	return res
}

type harness struct {
	dir    string
	store  *skills.Store
	ledger *Ledger
	eval   *stubEval
	ctrl   *Controller
}

func newHarness(t *testing.T, registryYAML string) *harness {
	t.Helper()
	dir := t.TempDir()

	modDir := filepath.Join(dir, "modules")
	require.NoError(t, os.MkdirAll(modDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "registry.yaml"), []byte(registryYAML), 0o644))

	store := skills.NewStore(dir)
	cache := skills.NewRegistryCache(dir)
	ledger, err := OpenLedger(dir)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	eval := &stubEval{}
	ctrl := NewController(dir, store, cache, skills.NewCompiler(store, cache, dir),
		ledger, eval, snapshot.NewManager(dir, 12), config.Default().Evolution)

	return &harness{dir: dir, store: store, ledger: ledger, eval: eval, ctrl: ctrl}
}

func (h *harness) addSkill(t *testing.T, name string, modules map[string]string) {
	t.Helper()
	require.NoError(t, h.store.Save(&skills.Definition{
		Name:       name,
		Version:    "1.0.0",
		CorePrompt: "You are the " + name + " skill.",
		Modules:    modules,
	}))
}

func (h *harness) moduleVersions(t *testing.T, name string) map[string]string {
	t.Helper()
	mv, err := h.store.ModuleVersions(name)
	require.NoError(t, err)
	return mv
}

func (h *harness) walRecords(t *testing.T) []Record {
	t.Helper()
	f, err := os.Open(filepath.Join(h.dir, "mutations.jsonl"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestSuggest_AbsorbsFromTopPerformer(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	report, err := h.ctrl.Suggest()
	require.NoError(t, err)

	require.Len(t, report.Proposals, 1)
	p := report.Proposals[0]
	assert.Equal(t, "beta", p.Skill)
	assert.Equal(t, "output", p.Slot)
	assert.Equal(t, "v1", p.FromVersion)
	assert.Equal(t, "v2", p.ToVersion)
	assert.Equal(t, TypeAbsorb, p.MutationType)
	assert.Equal(t, "alpha", p.SourceSkill)
	assert.False(t, p.Paused)

	// Suggest is read-only.
	assert.Equal(t, map[string]string{"output": "v1"}, h.moduleVersions(t, "beta"))
	assert.Empty(t, h.walRecords(t))
	pending, err := h.ledger.Unresolved()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSuggest_AbsorbsFromLowerRankedTopPerformer(t *testing.T) {
	// The best-ranked top performer runs the same version as the
	// underperformer, so it offers nothing; the next top performer does.
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v1"})
	h.addSkill(t, "delta", map[string]string{"output": "v3"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.90), fx("delta", 0.80), fx("beta", 0.26))

	report, err := h.ctrl.Suggest()
	require.NoError(t, err)

	require.Len(t, report.Proposals, 1)
	p := report.Proposals[0]
	assert.Equal(t, "beta", p.Skill)
	assert.Equal(t, TypeAbsorb, p.MutationType)
	assert.Equal(t, "delta", p.SourceSkill)
	assert.Equal(t, "v3", p.ToVersion)
}

func TestCycle_AppliesAbsorb(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	report, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	require.Len(t, report.Applied, 1)
	rec := report.Applied[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "beta", rec.Skill)
	assert.Equal(t, "v2", rec.ToVersion)

	assert.Equal(t, "v2", h.moduleVersions(t, "beta")["output"])

	compiled := filepath.Join(h.dir, "compiled", "beta.md")
	assert.FileExists(t, compiled)

	wal := h.walRecords(t)
	require.Len(t, wal, 1)
	assert.Equal(t, rec.ID, wal[0].ID)

	pending, err := h.ledger.Unresolved()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ID, pending[0].ID)

	// The lock must be released at the end of the cycle.
	assert.NoFileExists(t, filepath.Join(h.dir, "evolve.lock"))
}

func TestCycle_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	report, err := h.ctrl.Cycle(true)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	require.Len(t, report.Proposals, 1)
	assert.Empty(t, report.Applied)
	assert.Equal(t, "v1", h.moduleVersions(t, "beta")["output"])
	assert.Empty(t, h.walRecords(t))
}

func TestCycle_SnapshotCapturesPreMutationFitness(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	report, err := h.ctrl.Cycle(false)
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)
	require.NotEmpty(t, report.SnapshotWeek)

	// The snapshot holds the evaluation that drove this cycle's mutation,
	// not a re-evaluation taken after skill files changed.
	snap, err := snapshot.NewManager(h.dir, 12).Load(report.SnapshotWeek)
	require.NoError(t, err)
	assert.InDelta(t, 0.26, snap.Fitness["beta"].Total, 1e-9)
	assert.InDelta(t, 0.80, snap.Fitness["alpha"].Total, 1e-9)
}

func TestCycle_DryRunTakesNoSnapshot(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("beta", 0.26))

	report, err := h.ctrl.Cycle(true)
	require.NoError(t, err)
	assert.Empty(t, report.SnapshotWeek)

	snap, err := snapshot.NewManager(h.dir, 12).Latest()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestCycle_HealthySkillsUntouched(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.60))

	report, err := h.ctrl.Cycle(false)
	require.NoError(t, err)
	assert.Empty(t, report.Proposals)
	assert.Empty(t, report.Applied)
}

func TestCycle_NoDataSkillIneligible(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "dormant", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fxNoData("dormant"))

	report, err := h.ctrl.Cycle(false)
	require.NoError(t, err)
	assert.Empty(t, report.Proposals, "unsampled skills must never be mutated")
}

func TestCycle_MutatesWhenTopPerformerMatches(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v1"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	report, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	require.Len(t, report.Applied, 1)
	rec := report.Applied[0]
	assert.Equal(t, TypeMutate, rec.MutationType)
	assert.Equal(t, "v2", rec.ToVersion, "next untried variant after the current one")
	assert.Equal(t, "v2", h.moduleVersions(t, "beta")["output"])
}

func TestCycle_ExhaustedSlotPausesSkill(t *testing.T) {
	h := newHarness(t, `
modules:
  output:
    v1:
      prompt: Output tersely.
`)
	h.addSkill(t, "alpha", map[string]string{"output": "v1"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	report, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	require.Len(t, report.Proposals, 1)
	p := report.Proposals[0]
	assert.True(t, p.Paused)
	assert.Equal(t, "beta", p.Skill)
	assert.Empty(t, report.Applied)

	ex, err := h.ledger.IsExhausted("beta", "output")
	require.NoError(t, err)
	assert.True(t, ex)
}

func TestCycle_RollbackOnRegression(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})

	t0 := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h.ctrl.now = func() time.Time { return t0 }
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	first, err := h.ctrl.Cycle(false)
	require.NoError(t, err)
	require.Len(t, first.Applied, 1)
	assert.Equal(t, "v2", h.moduleVersions(t, "beta")["output"])

	// Eight days on, the skill got worse. The change must be undone and the
	// exact previous version restored.
	h.ctrl.now = func() time.Time { return t0.Add(8 * 24 * time.Hour) }
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.20))

	second, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	require.Len(t, second.Resolved, 1)
	assert.Equal(t, "rolled_back", second.Resolved[0].Outcome)
	assert.Equal(t, first.Applied[0].ID, second.Resolved[0].Attempt.ID)

	// v2 is burned, so the follow-up proposal moves to v3.
	require.Len(t, second.Applied, 1)
	assert.Equal(t, "v3", second.Applied[0].ToVersion)
	assert.Equal(t, "v3", h.moduleVersions(t, "beta")["output"])

	wal := h.walRecords(t)
	var rollbacks []Record
	for _, r := range wal {
		if r.MutationType == TypeRollback {
			rollbacks = append(rollbacks, r)
		}
	}
	require.Len(t, rollbacks, 1)
	assert.Equal(t, "v2", rollbacks[0].FromVersion)
	assert.Equal(t, "v1", rollbacks[0].ToVersion)
}

func TestCycle_KeepsImprovedMutation(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})

	t0 := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h.ctrl.now = func() time.Time { return t0 }
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	_, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	h.ctrl.now = func() time.Time { return t0.Add(8 * 24 * time.Hour) }
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.55))

	second, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	require.Len(t, second.Resolved, 1)
	assert.Equal(t, "kept", second.Resolved[0].Outcome)
	assert.Equal(t, "v2", h.moduleVersions(t, "beta")["output"])
	assert.Empty(t, second.Applied, "a healthy skill gets no further mutation")
}

func TestCycle_HoldsVerdictWithoutFreshUsage(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})

	t0 := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h.ctrl.now = func() time.Time { return t0 }
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	_, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	h.ctrl.now = func() time.Time { return t0.Add(8 * 24 * time.Hour) }
	h.eval.res = resultOf(fx("alpha", 0.80), fxNoData("beta"))

	second, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	assert.Empty(t, second.Resolved, "no usage means no verdict yet")
	assert.Equal(t, "v2", h.moduleVersions(t, "beta")["output"])
	pending, err := h.ledger.Unresolved()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCycle_CooldownSuppressesRepeatMutation(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})

	t0 := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h.ctrl.now = func() time.Time { return t0 }
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	_, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	// Two days later the skill still scores badly, but its mutation is
	// under observation and must not be stacked on.
	h.ctrl.now = func() time.Time { return t0.Add(2 * 24 * time.Hour) }
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.25))

	second, err := h.ctrl.Cycle(false)
	require.NoError(t, err)
	assert.Empty(t, second.Proposals)
	assert.Empty(t, second.Applied)
}

func TestCycle_LockBlocksConcurrentRun(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("beta", 0.26))

	info, err := json.Marshal(lockInfo{PID: 12345, AcquiredAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "evolve.lock"), info, 0o644))

	_, err = h.ctrl.Cycle(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestCycle_StaleLockTakenOver(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26))

	stale, err := json.Marshal(lockInfo{PID: 12345, AcquiredAt: time.Now().UTC().Add(-2 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "evolve.lock"), stale, 0o644))

	report, err := h.ctrl.Cycle(false)
	require.NoError(t, err)
	assert.Len(t, report.Applied, 1)
}

func TestCycle_SkillFailureDoesNotSinkCycle(t *testing.T) {
	h := newHarness(t, testRegistry)
	h.addSkill(t, "alpha", map[string]string{"output": "v2"})
	h.addSkill(t, "beta", map[string]string{"output": "v1"})
	// An unreadable definition: proposing degrades to empty modules, but
	// applying fails at the file edit.
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "skills", "gamma.yaml"),
		[]byte("{modules: [unclosed"), 0o644))

	h.eval.res = resultOf(fx("alpha", 0.80), fx("beta", 0.26), fx("gamma", 0.30))

	report, err := h.ctrl.Cycle(false)
	require.NoError(t, err)

	assert.Contains(t, report.Failed, "gamma")
	require.Len(t, report.Applied, 1)
	assert.Equal(t, "beta", report.Applied[0].Skill)
	assert.Equal(t, "v2", h.moduleVersions(t, "beta")["output"])
}
