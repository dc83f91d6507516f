package telemetry

import "time"

// EventKind identifies the lifecycle event a record was derived from.
type EventKind string

const (
	EventSessionStart     EventKind = "session_start"
	EventSkillStart       EventKind = "skill_start"
	EventToolUse          EventKind = "tool_use"
	EventSkillComplete    EventKind = "skill_complete"
	EventResponseComplete EventKind = "response_complete"
	EventSessionEnd       EventKind = "session_end"
)

// AuditRecord is the session-level audit trail entry. One is emitted for
// session_start, response_complete and session_end.
type AuditRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Source    string    `json:"source,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// ToolUsageRecord is emitted for every tool_use event, whether or not a
// skill is active. Skill carries the active skill name so per-skill tool
// counts can be recomputed from history.
type ToolUsageRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool"`
	Skill     string    `json:"skill,omitempty"`
}

// InvocationRecord is emitted when a prompt invokes a skill. Append-only,
// never mutated.
type InvocationRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	SessionID string            `json:"session_id"`
	Skill     string            `json:"skill"`
	Prompt    string            `json:"prompt,omitempty"`
	Modules   map[string]string `json:"modules,omitempty"`
}

// CompletionRecord is emitted when a Stop event closes an active skill
// invocation. Every completion is preceded by its invocation in the same
// session; a session that ends mid-skill produces no completion.
type CompletionRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	SessionID string            `json:"session_id"`
	Skill     string            `json:"skill"`
	StartTime time.Time         `json:"start_time"`
	ToolCount int               `json:"tool_count"`
	Modules   map[string]string `json:"modules,omitempty"`
	Completed bool              `json:"completed"`
}

// Counts summarizes the raw event store for the telemetry command.
type Counts struct {
	Invocations int `json:"invocations"`
	Completions int `json:"completions"`
	ToolUses    int `json:"tool_uses"`
	AuditEvents int `json:"audit_events"`
}
