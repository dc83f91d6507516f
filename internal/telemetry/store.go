// Package telemetry is the append-only event store: timestamp-ordered JSONL
// streams under .darwin/telemetry/, one file per record kind. It is pure
// storage; the tracker writes it and the fitness engine reads it.
package telemetry

import (
	"encoding/json"
	"path/filepath"
	"time"

	"darwin/internal/logging"
)

const (
	toolUsageFile   = "tool_usage.jsonl"
	invocationsFile = "invocations.jsonl"
	completionsFile = "completions.jsonl"
	sessionsFile    = "sessions.jsonl"
)

// Store owns the telemetry streams for one data directory.
type Store struct {
	toolUsage   *Log
	invocations *Log
	completions *Log
	sessions    *Log
}

// NewStore returns a Store rooted at <dataDir>/telemetry. Directories and
// files are created lazily on first append, so a fresh workspace reads as
// empty history rather than erroring.
func NewStore(dataDir string) *Store {
	dir := filepath.Join(dataDir, "telemetry")
	return &Store{
		toolUsage:   OpenLog(filepath.Join(dir, toolUsageFile)),
		invocations: OpenLog(filepath.Join(dir, invocationsFile)),
		completions: OpenLog(filepath.Join(dir, completionsFile)),
		sessions:    OpenLog(filepath.Join(dir, sessionsFile)),
	}
}

// AppendAudit records a session lifecycle audit event.
func (s *Store) AppendAudit(r AuditRecord) error {
	return s.sessions.Append(r)
}

// AppendToolUsage records one tool_use event.
func (s *Store) AppendToolUsage(r ToolUsageRecord) error {
	return s.toolUsage.Append(r)
}

// AppendInvocation records one skill invocation.
func (s *Store) AppendInvocation(r InvocationRecord) error {
	return s.invocations.Append(r)
}

// AppendCompletion records one skill completion.
func (s *Store) AppendCompletion(r CompletionRecord) error {
	return s.completions.Append(r)
}

// Invocations returns invocation records at or after since, in file order
// (which is arrival order). A zero since returns all history.
func (s *Store) Invocations(since time.Time) ([]InvocationRecord, error) {
	var out []InvocationRecord
	err := s.invocations.Scan(func(line []byte) error {
		var r InvocationRecord
		if err := json.Unmarshal(line, &r); err != nil {
			logging.TelemetryDebug("skipping malformed invocation record: %v", err)
			return nil
		}
		if inWindow(r.Timestamp, since) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Completions returns completion records at or after since.
func (s *Store) Completions(since time.Time) ([]CompletionRecord, error) {
	var out []CompletionRecord
	err := s.completions.Scan(func(line []byte) error {
		var r CompletionRecord
		if err := json.Unmarshal(line, &r); err != nil {
			logging.TelemetryDebug("skipping malformed completion record: %v", err)
			return nil
		}
		if inWindow(r.Timestamp, since) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Audits returns session lifecycle audit records at or after since.
func (s *Store) Audits(since time.Time) ([]AuditRecord, error) {
	var out []AuditRecord
	err := s.sessions.Scan(func(line []byte) error {
		var r AuditRecord
		if err := json.Unmarshal(line, &r); err != nil {
			logging.TelemetryDebug("skipping malformed audit record: %v", err)
			return nil
		}
		if inWindow(r.Timestamp, since) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// ToolUsage returns tool usage records at or after since.
func (s *Store) ToolUsage(since time.Time) ([]ToolUsageRecord, error) {
	var out []ToolUsageRecord
	err := s.toolUsage.Scan(func(line []byte) error {
		var r ToolUsageRecord
		if err := json.Unmarshal(line, &r); err != nil {
			logging.TelemetryDebug("skipping malformed tool usage record: %v", err)
			return nil
		}
		if inWindow(r.Timestamp, since) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Counts tallies all streams for the telemetry command.
func (s *Store) Counts() (Counts, error) {
	var c Counts
	if err := s.invocations.Scan(func([]byte) error { c.Invocations++; return nil }); err != nil {
		return c, err
	}
	if err := s.completions.Scan(func([]byte) error { c.Completions++; return nil }); err != nil {
		return c, err
	}
	if err := s.toolUsage.Scan(func([]byte) error { c.ToolUses++; return nil }); err != nil {
		return c, err
	}
	if err := s.sessions.Scan(func([]byte) error { c.AuditEvents++; return nil }); err != nil {
		return c, err
	}
	return c, nil
}

func inWindow(ts, since time.Time) bool {
	return since.IsZero() || !ts.Before(since)
}
