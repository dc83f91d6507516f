package mutation

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"darwin/internal/logging"

	_ "modernc.org/sqlite"
)

// Attempt is one recorded mutation attempt.
type Attempt struct {
	ID            string    `json:"id"`
	Skill         string    `json:"skill"`
	Slot          string    `json:"slot"`
	FromVersion   string    `json:"from_version"`
	ToVersion     string    `json:"to_version"`
	MutationType  string    `json:"mutation_type"`
	SourceSkill   string    `json:"source_skill,omitempty"`
	FitnessBefore float64   `json:"fitness_before"`
	AppliedAt     time.Time `json:"applied_at"`

	// Outcome is "" while under observation, then "kept" or "rolled_back".
	Outcome    string    `json:"outcome,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Ledger is the durable memory of what has been tried. It is what stops the
// controller from oscillating between the same two variants or re-proposing
// a version that already failed.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenLedger opens (creating if needed) the evolution database under dataDir.
func OpenLedger(dataDir string) (*Ledger, error) {
	path := filepath.Join(dataDir, "evolution.db")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open evolution database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logging.Mutation("ledger opened: path=%s", path)
	return l, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		skill TEXT NOT NULL,
		slot TEXT NOT NULL,
		from_version TEXT NOT NULL,
		to_version TEXT NOT NULL,
		mutation_type TEXT NOT NULL,
		source_skill TEXT DEFAULT '',
		fitness_before REAL DEFAULT 0,
		applied_at DATETIME NOT NULL,
		outcome TEXT DEFAULT '',
		resolved_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_skill_slot ON mutations(skill, slot);
	CREATE INDEX IF NOT EXISTS idx_mutations_outcome ON mutations(outcome);

	CREATE TABLE IF NOT EXISTS exhausted (
		skill TEXT NOT NULL,
		slot TEXT NOT NULL,
		marked_at DATETIME NOT NULL,
		PRIMARY KEY (skill, slot)
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordAttempt inserts a new attempt with no outcome yet.
func (l *Ledger) RecordAttempt(a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO mutations
		(id, skill, slot, from_version, to_version, mutation_type,
		 source_skill, fitness_before, applied_at, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		a.ID, a.Skill, a.Slot, a.FromVersion, a.ToVersion, a.MutationType,
		a.SourceSkill, a.FitnessBefore, a.AppliedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Resolve sets the outcome of an attempt once its observation window closed.
func (l *Ledger) Resolve(id, outcome string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`
		UPDATE mutations SET outcome = ?, resolved_at = ?
		WHERE id = ? AND outcome = ''`,
		outcome, at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("resolve attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s not found or already resolved", id)
	}
	return nil
}

// TriedVersions returns every version ever attempted for a skill's slot,
// regardless of outcome. A rolled-back version stays tried.
func (l *Ledger) TriedVersions(skill, slot string) (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT DISTINCT to_version FROM mutations
		WHERE skill = ? AND slot = ?`, skill, slot)
	if err != nil {
		return nil, fmt.Errorf("query tried versions: %w", err)
	}
	defer rows.Close()

	tried := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		tried[v] = true
	}
	return tried, rows.Err()
}

// Unresolved returns attempts still awaiting an outcome, oldest first.
func (l *Ledger) Unresolved() ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT id, skill, slot, from_version, to_version, mutation_type,
		       source_skill, fitness_before, applied_at
		FROM mutations WHERE outcome = '' ORDER BY applied_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unresolved: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var applied string
		if err := rows.Scan(&a.ID, &a.Skill, &a.Slot, &a.FromVersion,
			&a.ToVersion, &a.MutationType, &a.SourceSkill, &a.FitnessBefore, &applied); err != nil {
			return nil, err
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, applied)
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastAttemptTime reports when a skill was last mutated, across all slots.
func (l *Ledger) LastAttemptTime(skill string) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var applied sql.NullString
	err := l.db.QueryRow(`
		SELECT MAX(applied_at) FROM mutations WHERE skill = ?`, skill,
	).Scan(&applied)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last attempt: %w", err)
	}
	if !applied.Valid || applied.String == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339, applied.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last attempt time: %w", err)
	}
	return ts, true, nil
}

// MarkExhausted records that a skill's slot has no untried variants left.
// The slot is skipped until the registry grows or the mark is cleared.
func (l *Ledger) MarkExhausted(skill, slot string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO exhausted (skill, slot, marked_at) VALUES (?, ?, ?)
		ON CONFLICT(skill, slot) DO UPDATE SET marked_at = excluded.marked_at`,
		skill, slot, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	logging.Mutation("slot exhausted: skill=%s slot=%s", skill, slot)
	return nil
}

// IsExhausted reports whether a skill's slot is marked exhausted.
func (l *Ledger) IsExhausted(skill, slot string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	err := l.db.QueryRow(`
		SELECT COUNT(1) FROM exhausted WHERE skill = ? AND slot = ?`,
		skill, slot,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query exhausted: %w", err)
	}
	return n > 0, nil
}

// ClearExhausted removes the exhausted mark, typically after new variants
// appear in the registry.
func (l *Ledger) ClearExhausted(skill, slot string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec(`
		DELETE FROM exhausted WHERE skill = ? AND slot = ?`, skill, slot); err != nil {
		return fmt.Errorf("clear exhausted: %w", err)
	}
	return nil
}
