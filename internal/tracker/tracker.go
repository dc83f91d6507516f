// Package tracker turns the host's lifecycle event stream into durable
// usage records. It runs as a short-lived handler, once per event, and is
// required to acknowledge every event: internal failures are logged and
// swallowed so the host is never blocked by its own telemetry.
package tracker

import (
	"time"

	"darwin/internal/logging"
	"darwin/internal/telemetry"
)

// maxPromptBytes bounds the triggering text stored on an invocation record.
const maxPromptBytes = 500

// ModuleResolver resolves a skill's declared module versions. Absent skills
// yield an empty map, never an error.
type ModuleResolver interface {
	ModuleVersions(name string) (map[string]string, error)
}

// SessionStates persists per-session tracking state between handler runs.
type SessionStates interface {
	Load(sessionID string) *SessionState
	Save(state *SessionState) error
	Delete(sessionID string) error
}

// Tracker is the session state machine.
type Tracker struct {
	events *telemetry.Store
	states SessionStates
	skills ModuleResolver
	now    func() time.Time
}

// New wires a Tracker over the event store, session state store and skill
// definition store.
func New(events *telemetry.Store, states SessionStates, skills ModuleResolver) *Tracker {
	return &Tracker{
		events: events,
		states: states,
		skills: skills,
		now:    time.Now,
	}
}

// Handle processes one raw host event. The returned error is for logging
// only; callers must still acknowledge success to the host.
func (t *Tracker) Handle(raw []byte) error {
	ev, err := ParseHookEvent(raw)
	if err != nil {
		logging.HookError("dropping event: %v", err)
		return err
	}

	switch ev.HookEventName {
	case HookSessionStart:
		return t.handleSessionStart(ev)
	case HookUserPromptSubmit:
		return t.handlePromptSubmit(ev)
	case HookPreToolUse:
		return t.handleToolUse(ev)
	case HookStop:
		return t.handleStop(ev)
	case HookSessionEnd:
		return t.handleSessionEnd(ev)
	default:
		logging.HookDebug("ignoring unknown event %q for session %s", ev.HookEventName, ev.SessionID)
		return nil
	}
}

func (t *Tracker) handleSessionStart(ev *HookEvent) error {
	now := t.now().UTC()

	state := &SessionState{
		SessionID: ev.SessionID,
		StartedAt: now,
	}
	if err := t.states.Save(state); err != nil {
		logging.HookError("session_start %s: %v", ev.SessionID, err)
		return err
	}

	err := t.events.AppendAudit(telemetry.AuditRecord{
		Timestamp: now,
		SessionID: ev.SessionID,
		Kind:      telemetry.EventSessionStart,
		Source:    ev.Source,
		Model:     ev.Model,
	})
	if err != nil {
		logging.HookError("session_start audit %s: %v", ev.SessionID, err)
		return err
	}

	logging.Hook("session %s started (source=%s model=%s)", ev.SessionID, ev.Source, ev.Model)
	return nil
}

func (t *Tracker) handlePromptSubmit(ev *HookEvent) error {
	skill, ok := ParseInvocation(ev.Prompt)
	if !ok {
		return nil
	}
	now := t.now().UTC()

	// External lookup; degrades to an empty module map on any failure.
	modules, err := t.skills.ModuleVersions(skill)
	if err != nil {
		logging.HookError("module lookup for %s: %v", skill, err)
		modules = map[string]string{}
	}

	state := t.states.Load(ev.SessionID)
	state.CurrentSkill = skill
	state.SkillStartTime = now
	state.ToolCount = 0
	state.SkillsUsed = append(state.SkillsUsed, skill)
	state.CurrentModules = modules
	if err := t.states.Save(state); err != nil {
		logging.HookError("skill_start %s/%s: %v", ev.SessionID, skill, err)
		return err
	}

	err = t.events.AppendInvocation(telemetry.InvocationRecord{
		Timestamp: now,
		SessionID: ev.SessionID,
		Skill:     skill,
		Prompt:    truncate(ev.Prompt, maxPromptBytes),
		Modules:   modules,
	})
	if err != nil {
		logging.HookError("invocation record %s/%s: %v", ev.SessionID, skill, err)
		return err
	}

	logging.Hook("session %s invoked /%s (modules=%v)", ev.SessionID, skill, modules)
	return nil
}

func (t *Tracker) handleToolUse(ev *HookEvent) error {
	now := t.now().UTC()
	state := t.states.Load(ev.SessionID)

	err := t.events.AppendToolUsage(telemetry.ToolUsageRecord{
		Timestamp: now,
		SessionID: ev.SessionID,
		Tool:      ev.ToolName,
		Skill:     state.CurrentSkill,
	})
	if err != nil {
		logging.HookError("tool_use record %s: %v", ev.SessionID, err)
		return err
	}

	state.ToolCount++
	if err := t.states.Save(state); err != nil {
		logging.HookError("tool_use state %s: %v", ev.SessionID, err)
		return err
	}
	return nil
}

func (t *Tracker) handleStop(ev *HookEvent) error {
	now := t.now().UTC()
	state := t.states.Load(ev.SessionID)

	if state.SkillActive() {
		rec := telemetry.CompletionRecord{
			Timestamp: now,
			SessionID: ev.SessionID,
			Skill:     state.CurrentSkill,
			StartTime: state.SkillStartTime,
			ToolCount: state.ToolCount,
			Modules:   state.CurrentModules,
			Completed: true,
		}

		// Clear the skill before recording the completion. If the state
		// save fails, the skill stays active and a retried Stop would
		// otherwise record the same completion twice; losing one
		// completion is the same shape as an abandoned invocation.
		state.clearSkill()
		if err := t.states.Save(state); err != nil {
			logging.HookError("stop state %s: %v", ev.SessionID, err)
			return err
		}

		if err := t.events.AppendCompletion(rec); err != nil {
			logging.HookError("completion record %s/%s: %v", ev.SessionID, rec.Skill, err)
			return err
		}
		logging.Hook("session %s completed /%s (tools=%d)", ev.SessionID, rec.Skill, rec.ToolCount)
	}

	// Always audited, skill or not: only skill-scoped activity is scored,
	// but the session trail stays complete.
	err := t.events.AppendAudit(telemetry.AuditRecord{
		Timestamp: now,
		SessionID: ev.SessionID,
		Kind:      telemetry.EventResponseComplete,
	})
	if err != nil {
		logging.HookError("response_complete audit %s: %v", ev.SessionID, err)
		return err
	}
	return nil
}

func (t *Tracker) handleSessionEnd(ev *HookEvent) error {
	now := t.now().UTC()

	// An open invocation is abandoned here, not completed: it never enters
	// the completion-rate denominator.
	state := t.states.Load(ev.SessionID)
	if state.SkillActive() {
		logging.Hook("session %s ended with /%s still open; invocation abandoned", ev.SessionID, state.CurrentSkill)
	}

	if err := t.states.Delete(ev.SessionID); err != nil {
		logging.HookError("session_end delete %s: %v", ev.SessionID, err)
		return err
	}

	err := t.events.AppendAudit(telemetry.AuditRecord{
		Timestamp: now,
		SessionID: ev.SessionID,
		Kind:      telemetry.EventSessionEnd,
	})
	if err != nil {
		logging.HookError("session_end audit %s: %v", ev.SessionID, err)
		return err
	}

	logging.Hook("session %s ended", ev.SessionID)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
