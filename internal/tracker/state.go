package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionState is the mutable per-session record. It lives as one JSON file
// per active session so independent short-lived hook invocations share it.
// The host serializes events within one session, so no cross-process lock
// is needed; different sessions use different files.
type SessionState struct {
	SessionID      string            `json:"session_id"`
	StartedAt      time.Time         `json:"started_at,omitempty"`
	ToolCount      int               `json:"tool_count"`
	CurrentSkill   string            `json:"current_skill,omitempty"`
	SkillStartTime time.Time         `json:"skill_start_time,omitempty"`
	SkillsUsed     []string          `json:"skills_used,omitempty"`
	CurrentModules map[string]string `json:"current_modules,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// SkillActive reports whether a skill invocation is open.
func (s *SessionState) SkillActive() bool {
	return s.CurrentSkill != ""
}

// clearSkill closes the open invocation fields.
func (s *SessionState) clearSkill() {
	s.CurrentSkill = ""
	s.SkillStartTime = time.Time{}
	s.CurrentModules = nil
}

// StateStore persists session state files under <dataDir>/sessions.
type StateStore struct {
	dir string
}

// NewStateStore returns a StateStore rooted at <dataDir>/sessions.
func NewStateStore(dataDir string) *StateStore {
	return &StateStore{dir: filepath.Join(dataDir, "sessions")}
}

// Load reads a session's state. A missing or unreadable file yields a fresh
// default state: a session observed mid-stream is not an error.
func (s *StateStore) Load(sessionID string) *SessionState {
	state := &SessionState{SessionID: sessionID}

	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, state); err != nil {
		// Corrupt state file: start over rather than poisoning the stream.
		return &SessionState{SessionID: sessionID}
	}
	state.SessionID = sessionID
	return state
}

// Save writes a session's state.
func (s *StateStore) Save(state *SessionState) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	if err := os.WriteFile(s.path(state.SessionID), data, 0644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	return nil
}

// Delete removes a session's state file. Missing file is not an error.
func (s *StateStore) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session state: %w", err)
	}
	return nil
}

// Active returns the ids of sessions with a live state file.
func (s *StateStore) Active() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}

func (s *StateStore) path(sessionID string) string {
	// Session ids come from the host; flatten anything path-like.
	safe := filepath.Base(sessionID)
	return filepath.Join(s.dir, safe+".json")
}
