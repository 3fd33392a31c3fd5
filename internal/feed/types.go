// Package feed defines the data model the rest of Athena operates on: the
// UI-facing FeedEvent and the Session/Run/Actor entities a FeedEvent can
// reference. Everything here is a plain value type — no behavior beyond
// construction helpers — so mapper, store, and facade can all depend on it
// without creating import cycles.
package feed

import "time"

// Kind enumerates every shape a FeedEvent can take.
type Kind string

const (
	KindSessionStart      Kind = "session.start"
	KindSessionEnd        Kind = "session.end"
	KindRunStart          Kind = "run.start"
	KindRunEnd            Kind = "run.end"
	KindUserPrompt        Kind = "user.prompt"
	KindToolPre           Kind = "tool.pre"
	KindToolPost          Kind = "tool.post"
	KindToolFailure       Kind = "tool.failure"
	KindPermissionRequest Kind = "permission.request"
	KindPermissionDecision Kind = "permission.decision"
	KindStopRequest       Kind = "stop.request"
	KindStopDecision      Kind = "stop.decision"
	KindSubagentStart     Kind = "subagent.start"
	KindSubagentStop      Kind = "subagent.stop"
	KindAgentMessage      Kind = "agent.message"
	KindNotification      Kind = "notification"
	KindCompactPre        Kind = "compact.pre"
	KindSetup             Kind = "setup"
	KindTeammateIdle      Kind = "teammate.idle"
	KindTaskCompleted     Kind = "task.completed"
	KindConfigChange      Kind = "config.change"
	KindUnknownHook       Kind = "unknown.hook"
)

// Level classifies a FeedEvent's severity for the UI, independent of its Kind.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
	LevelDebug Level = "debug"
)

// DecisionType classifies a permission.decision / stop.decision FeedEvent.
type DecisionType string

const (
	DecisionTypeAllow     DecisionType = "allow"
	DecisionTypeDeny      DecisionType = "deny"
	DecisionTypeBlock     DecisionType = "block"
	DecisionTypeNoOpinion DecisionType = "no_opinion"
)

// DecisionReason explains why a no_opinion decision happened.
type DecisionReason string

const (
	DecisionReasonTimeout    DecisionReason = "timeout"
	DecisionReasonSource     DecisionReason = "source"
	DecisionReasonOperator   DecisionReason = "operator"
	DecisionReasonRuleEngine DecisionReason = "rule"
)

// Actor identifies who or what produced an event: the main session, or a
// named subagent spawned within it.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"` // "main" or "subagent"
}

// Session is the top-level unit of durable state: one harness session maps
// to exactly one Session record across its lifetime, including resumes.
type Session struct {
	ID        string    `json:"id"`
	ProjectDir string   `json:"project_dir"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Model     string    `json:"model,omitempty"`
	Source    string    `json:"source,omitempty"` // startup, resume, clear, compact
}

// Run is one bounded unit of agent work within a session, bracketed by
// run.start/run.end FeedEvents. Correlation indexes are cleared whenever a
// new Run begins.
type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"` // allocation order among runs in this session
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// FeedEvent is the single tagged-variant record the Feed Mapper produces and
// the Feed Facade serves to the UI. Seq is strictly monotonic for the life
// of the owning process; EventID is globally unique.
type FeedEvent struct {
	EventID       string         `json:"event_id"`
	Seq           uint64         `json:"seq"`
	Kind          Kind           `json:"kind"`
	Level         Level          `json:"level"`
	Timestamp     time.Time      `json:"timestamp"`
	SessionID     string         `json:"session_id,omitempty"`
	RunID         string         `json:"run_id,omitempty"`
	ActorID       string         `json:"actor_id,omitempty"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	ToolUseID     string         `json:"tool_use_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Decision      DecisionType   `json:"decision,omitempty"`
	DecisionReason DecisionReason `json:"decision_reason,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// New creates a FeedEvent of the given kind, defaulting to LevelInfo and
// leaving Seq/EventID for the mapper to assign during allocation.
func New(kind Kind) *FeedEvent {
	return &FeedEvent{Kind: kind, Level: LevelInfo, Timestamp: time.Now().UTC(), Data: make(map[string]any)}
}

// WithLevel overrides the default info severity.
func (e *FeedEvent) WithLevel(level Level) *FeedEvent {
	e.Level = level
	return e
}

// WithSession sets the owning session id and returns the event for chaining.
func (e *FeedEvent) WithSession(sessionID string) *FeedEvent {
	e.SessionID = sessionID
	return e
}

// WithRun sets the owning run id.
func (e *FeedEvent) WithRun(runID string) *FeedEvent {
	e.RunID = runID
	return e
}

// WithActor sets the producing actor id.
func (e *FeedEvent) WithActor(actorID string) *FeedEvent {
	e.ActorID = actorID
	return e
}

// WithParent records the correlated parent event (tool.post/failure -> tool.pre).
func (e *FeedEvent) WithParent(parentEventID string) *FeedEvent {
	e.ParentEventID = parentEventID
	return e
}

// WithRequest tags the originating request id for decision correlation.
func (e *FeedEvent) WithRequest(requestID string) *FeedEvent {
	e.RequestID = requestID
	return e
}

// WithTool sets the tool name and tool_use_id for tool.* events.
func (e *FeedEvent) WithTool(name, toolUseID string) *FeedEvent {
	e.ToolName = name
	e.ToolUseID = toolUseID
	return e
}

// WithSummary sets a short human-readable description.
func (e *FeedEvent) WithSummary(summary string) *FeedEvent {
	e.Summary = summary
	return e
}

// WithDecision tags a permission.decision/stop.decision event.
func (e *FeedEvent) WithDecision(kind DecisionType, reason DecisionReason) *FeedEvent {
	e.Decision = kind
	e.DecisionReason = reason
	return e
}

// WithData attaches an arbitrary field to the event's data bag.
func (e *FeedEvent) WithData(key string, value any) *FeedEvent {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// PermissionQueueItem is a pending permission request awaiting operator
// resolution, held by the Permission Queue until Resolve or connection close.
type PermissionQueueItem struct {
	RequestID string          `json:"request_id"`
	EventID   string          `json:"event_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput map[string]any  `json:"tool_input,omitempty"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id"`
	QueuedAt  time.Time       `json:"queued_at"`
}

// QuestionQueueItem is a pending AskUserQuestion tool call awaiting the
// operator's answers.
type QuestionQueueItem struct {
	RequestID string    `json:"request_id"`
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// HookRule is one ordered entry in the rule engine: an exact or prefix*
// pattern against a tool name, and the action to take without operator
// involvement.
type HookRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Action  string `yaml:"action" json:"action"` // "allow" or "deny"
	AddedBy string `yaml:"added_by,omitempty" json:"added_by,omitempty"`
}
