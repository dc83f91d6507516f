package tracker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Host hook event names. These are the hook_event_name values delivered by
// the assistant runtime; unknown names are accepted and ignored.
const (
	HookSessionStart     = "SessionStart"
	HookUserPromptSubmit = "UserPromptSubmit"
	HookPreToolUse       = "PreToolUse"
	HookStop             = "Stop"
	HookSessionEnd       = "SessionEnd"
)

// HookEvent is the structured payload of one host lifecycle event. Extra
// fields in the raw payload are ignored.
type HookEvent struct {
	HookEventName string `json:"hook_event_name"`
	SessionID     string `json:"session_id"`
	Prompt        string `json:"prompt,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	Source        string `json:"source,omitempty"`
	Model         string `json:"model,omitempty"`
}

// ParseHookEvent decodes a raw host payload. It is strict only about the
// two fields every event must carry.
func ParseHookEvent(raw []byte) (*HookEvent, error) {
	var ev HookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("malformed hook event: %w", err)
	}
	if ev.HookEventName == "" {
		return nil, fmt.Errorf("hook event missing hook_event_name")
	}
	if ev.SessionID == "" {
		return nil, fmt.Errorf("hook event missing session_id")
	}
	return &ev, nil
}

// invocationRe matches a prompt that invokes a named skill: a leading slash
// marker followed by an identifier, then end of input or whitespace.
var invocationRe = regexp.MustCompile(`^/([a-z0-9][a-z0-9_-]*)(?:\s|$)`)

// ParseInvocation reports whether a prompt invokes a named skill and, if
// so, which one. This is a deliberate grammar, not substring scraping:
// "/plan do X" invokes plan, "see /plan" and "/Plan" do not.
func ParseInvocation(prompt string) (skill string, ok bool) {
	m := invocationRe.FindStringSubmatch(strings.TrimLeft(prompt, " \t"))
	if m == nil {
		return "", false
	}
	return m[1], true
}
