// Package protocol defines the wire format exchanged with the harness over
// the Unix-domain-socket NDJSON connection: inbound hook_event envelopes and
// outbound hook_result envelopes.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// HookEventName identifies the kind of lifecycle event the harness reports.
type HookEventName string

const (
	HookSessionStart       HookEventName = "SessionStart"
	HookSessionEnd         HookEventName = "SessionEnd"
	HookUserPromptSubmit   HookEventName = "UserPromptSubmit"
	HookPreToolUse         HookEventName = "PreToolUse"
	HookPostToolUse        HookEventName = "PostToolUse"
	HookPostToolUseFailure HookEventName = "PostToolUseFailure"
	HookPermissionRequest  HookEventName = "PermissionRequest"
	HookStop               HookEventName = "Stop"
	HookSubagentStart      HookEventName = "SubagentStart"
	HookSubagentStop       HookEventName = "SubagentStop"
	HookNotification       HookEventName = "Notification"
	HookPreCompact         HookEventName = "PreCompact"
	HookSetup              HookEventName = "Setup"
	HookTeammateIdle       HookEventName = "TeammateIdle"
	HookTaskCompleted      HookEventName = "TaskCompleted"
	HookConfigChange       HookEventName = "ConfigChange"
	HookWorktreeCreate     HookEventName = "WorktreeCreate"
	HookWorktreeRemove     HookEventName = "WorktreeRemove"
)

// Permission decision values carried in hookSpecificOutput.permissionDecision.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// Top-level decision value used by Stop/PostToolUse/UserPromptSubmit results.
const DecisionBlock = "block"

// Envelope is the outer NDJSON line sent from the harness to Athena.
// One Envelope carries exactly one hook_event.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Event     HookEvent       `json:"event"`
	Raw       json.RawMessage `json:"-"`
}

// HookEvent is the per-event payload, following the Claude Code hooks
// protocol. Fields are a superset; only the ones relevant to a given
// HookEventName are populated.
type HookEvent struct {
	HookEventName  HookEventName   `json:"hook_event_name"`
	SessionID      string          `json:"session_id,omitempty"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	CWD            string          `json:"cwd,omitempty"`
	PermissionMode string          `json:"permission_mode,omitempty"`

	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse json.RawMessage `json:"tool_response,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`

	Source    string `json:"source,omitempty"`
	Model     string `json:"model,omitempty"`
	AgentType string `json:"agent_type,omitempty"`

	Reason string `json:"reason,omitempty"`

	StopHookActive bool `json:"stop_hook_active,omitempty"`

	AgentID             string `json:"agent_id,omitempty"`
	AgentTranscriptPath string `json:"agent_transcript_path,omitempty"`

	Trigger string `json:"trigger,omitempty"`

	Error       string `json:"error,omitempty"`
	IsInterrupt bool   `json:"is_interrupt,omitempty"`

	Prompt string `json:"prompt,omitempty"`

	LastAssistantMessage string `json:"last_assistant_message,omitempty"`

	Message          string `json:"message,omitempty"`
	Title            string `json:"title,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`

	TeamName        string `json:"team_name,omitempty"`
	TeammateName    string `json:"teammate_name,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
	TaskSubject     string `json:"task_subject,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`

	WorktreePath   string `json:"worktree_path,omitempty"`
	WorktreeBranch string `json:"worktree_branch,omitempty"`
	AgentName      string `json:"agent_name,omitempty"`

	ConfigKey   string `json:"config_key,omitempty"`
	ConfigValue string `json:"config_value,omitempty"`
}

// HookSpecificOutput carries the permission/additional-context fields scoped
// to a single hook event name, mirroring the harness's own output schema.
type HookSpecificOutput struct {
	HookEventName            string `json:"hookEventName,omitempty"`
	PermissionDecision        string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string `json:"additionalContext,omitempty"`
}

// HookResult is the payload Athena sends back for a request_id, wrapped in
// an outer Envelope of type "hook_result".
type HookResult struct {
	Continue           bool                `json:"continue,omitempty"`
	StopReason         string              `json:"stopReason,omitempty"`
	SuppressOutput     bool                `json:"suppressOutput,omitempty"`
	Decision           string              `json:"decision,omitempty"`
	Reason             string              `json:"reason,omitempty"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
	UpdatedInput       map[string]string   `json:"updatedInput,omitempty"`
	AdditionalContext  string              `json:"additionalContext,omitempty"`
}

// ResultEnvelope is the NDJSON line Athena writes back to the harness.
type ResultEnvelope struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id"`
	Result    HookResult `json:"result"`
}

// NewID returns a random identifier suitable for request/event ids.
func NewID() string {
	return uuid.NewString()
}

// IsValidEnvelope applies the structural checks §4.1 requires before an
// inbound line is handed to the controller: a recognized type, and
// non-empty request_id/hook_event_name/session_id. §4.1 and §6 both call
// out that an unrecognized hook_event_name is accepted verbatim for
// forward-compatibility — only emptiness is checked, never membership in
// the documented set, so a name the mapper doesn't recognize still reaches
// it and falls through to the unknown.hook case.
func IsValidEnvelope(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrProtocol)
	}
	if env.Type != "hook_event" {
		return fmt.Errorf("%w: unexpected envelope type %q", ErrProtocol, env.Type)
	}
	if env.RequestID == "" {
		return fmt.Errorf("%w: missing request_id", ErrProtocol)
	}
	if env.Event.HookEventName == "" {
		return fmt.Errorf("%w: missing hook_event_name", ErrProtocol)
	}
	if env.Event.SessionID == "" {
		return fmt.Errorf("%w: missing session_id", ErrProtocol)
	}
	return nil
}

// PreToolAllow builds the PreToolUse/PermissionRequest allow result.
func PreToolAllow() HookResult {
	return HookResult{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:      "PreToolUse",
		PermissionDecision: DecisionAllow,
	}}
}

// PreToolDeny builds the PreToolUse/PermissionRequest deny result.
func PreToolDeny(reason string) HookResult {
	return HookResult{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:            "PreToolUse",
		PermissionDecision:       DecisionDeny,
		PermissionDecisionReason: reason,
	}}
}

// PermissionAllow builds an operator-resolved permission-request allow result.
func PermissionAllow(reason string) HookResult {
	return HookResult{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:            "PreToolUse",
		PermissionDecision:       DecisionAllow,
		PermissionDecisionReason: reason,
	}}
}

// PermissionDeny builds an operator-resolved permission-request deny result.
func PermissionDeny(reason string) HookResult {
	return HookResult{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:            "PreToolUse",
		PermissionDecision:       DecisionDeny,
		PermissionDecisionReason: reason,
	}}
}

// QuestionAnswer builds the result for a resolved AskUserQuestion request:
// spec.md §4.1's question_answer(answers) shape — permissionDecision:
// "allow" plus the operator's answers echoed back as updatedInput, and a
// human-readable additionalContext enumerating each question and answer.
func QuestionAnswer(answers map[string]string) HookResult {
	return HookResult{
		HookSpecificOutput: &HookSpecificOutput{
			HookEventName:      "PreToolUse",
			PermissionDecision: DecisionAllow,
		},
		UpdatedInput:      answers,
		AdditionalContext: formatAnswers(answers),
	}
}

// formatAnswers renders a Q/A map as a single human-readable line, sorted
// by question for determinism.
func formatAnswers(answers map[string]string) string {
	if len(answers) == 0 {
		return ""
	}
	questions := make([]string, 0, len(answers))
	for q := range answers {
		questions = append(questions, q)
	}
	sort.Strings(questions)

	var b strings.Builder
	for i, q := range questions {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", q, answers[q])
	}
	return b.String()
}

// Passthrough builds the result used when a request auto-resolves on
// deadline: it never blocks or denies, only continues.
func Passthrough() HookResult {
	return HookResult{Continue: true}
}
