// Package mapper implements the Feed Mapper: the stateful translator that
// turns inbound protocol.Envelope hook events (and later their resolved
// decisions) into the ordered feed.FeedEvent stream the rest of Athena
// consumes. It owns session/run/actor lifecycle state exclusively — no
// other package mutates it. Each inbound kind is translated into a
// normalized record by a single switch; a correlation index keyed by
// tool_use_id and request_id lets later tool.post/decision events find the
// FeedEvent they belong to.
package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lespaceman/athena/internal/feed"
	"github.com/lespaceman/athena/internal/protocol"
)

// ErrDoubleDecision is returned by MapDecision when requestID has already
// been resolved (or was never outstanding), so a caller can distinguish a
// duplicate resolution attempt from other mapper errors.
var ErrDoubleDecision = errors.New("mapper: request already resolved or unknown")

// DecisionOutcome is what the controller/broker report back to the mapper
// once a request_id resolves, regardless of how it resolved.
type DecisionOutcome struct {
	Intent  string // "allow", "deny", "block", "timeout", "passthrough"
	Message string
}

// Mapper is the stateful event translator. One Mapper instance belongs to
// exactly one Athena process instance; nothing here is a package-level
// variable.
type Mapper struct {
	mu sync.Mutex

	seq uint64

	currentSession *feed.Session
	currentRun     *feed.Run
	runSeq         uint64

	actors map[string]*feed.Actor

	// toolPreIndex maps tool_use_id -> the event_id of its tool.pre record,
	// so a later tool.post/failure can set parent_event_id.
	toolPreIndex map[string]string

	// eventIDByRequestID / eventKindByRequestID correlate a pending
	// tool.pre, permission.request or stop.request back to the FeedEvent it
	// produced, so MapDecision can emit the matching *.decision record.
	eventIDByRequestID  map[string]string
	eventKindByRequestID map[string]feed.Kind

	activeSubagentStack []string
}

// New creates an empty Mapper with no active session.
func New() *Mapper {
	return &Mapper{
		actors:               make(map[string]*feed.Actor),
		toolPreIndex:         make(map[string]string),
		eventIDByRequestID:   make(map[string]string),
		eventKindByRequestID: make(map[string]feed.Kind),
	}
}

// Bootstrap seeds the mapper with restored state after a resume: seq values
// must be strictly greater than anything in the snapshot, and no restored
// event_id may collide with a new one.
func (m *Mapper) Bootstrap(session *feed.Session, run *feed.Run, lastSeq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentSession = session
	m.currentRun = run
	m.seq = lastSeq
	if run != nil {
		m.runSeq = run.Seq
	}
}

// CurrentSession returns the mapper's active session, or nil before the
// first SessionStart.
func (m *Mapper) CurrentSession() *feed.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSession
}

// CurrentRun returns the mapper's open run, or nil between runs.
func (m *Mapper) CurrentRun() *feed.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRun
}

// Actors returns a snapshot of the actor registry.
func (m *Mapper) Actors() []*feed.Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*feed.Actor, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a)
	}
	return out
}

// AllocateSeq hands out the next strictly-monotonic sequence number without
// constructing a FeedEvent, so the Feed Facade's UI-synthesized Messages
// interleave correctly with real feed events under the same ordering rule.
func (m *Mapper) AllocateSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq()
}

func (m *Mapper) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func (m *Mapper) allocate(e *feed.FeedEvent) *feed.FeedEvent {
	e.EventID = protocol.NewID()
	e.Seq = m.nextSeq()
	return e
}

// ensureRun implements spec.md's ensureRun(trigger): trigger "other" opens a
// run only if none is open for sessionID; any other trigger (user prompt
// submit, resume, clear, compact) always closes a currently-open run and
// opens a fresh one, clearing every correlation index. The optional
// *feed.FeedEvent return is the run.end record produced when a prior run had
// to be closed to make room for the new one; callers prepend it to their
// emitted events.
func (m *Mapper) ensureRun(sessionID, trigger string) (*feed.Run, *feed.FeedEvent) {
	if trigger == "other" {
		if m.currentRun != nil && m.currentRun.SessionID == sessionID {
			return m.currentRun, nil
		}
		return m.openRun(sessionID), nil
	}

	var closeEvt *feed.FeedEvent
	if m.currentRun != nil {
		closeEvt = m.closeCurrentRun()
	}
	return m.openRun(sessionID), closeEvt
}

// closeCurrentRun emits the run.end record for m.currentRun and clears it.
// Callers must only invoke this when m.currentRun is non-nil.
func (m *Mapper) closeCurrentRun() *feed.FeedEvent {
	run := m.currentRun
	run.EndedAt = time.Now().UTC()
	evt := m.allocate(feed.New(feed.KindRunEnd).
		WithSession(run.SessionID).WithRun(run.ID).
		WithSummary("run ended"))
	m.currentRun = nil
	return evt
}

// openRun allocates a fresh run, clearing every correlation index — stale
// tool_use_ids and request_ids from a previous run must never resolve
// against new events.
func (m *Mapper) openRun(sessionID string) *feed.Run {
	m.runSeq++
	run := &feed.Run{
		ID:        fmt.Sprintf("%s:R%d", sessionID, m.runSeq),
		SessionID: sessionID,
		Seq:       m.runSeq,
		StartedAt: time.Now().UTC(),
	}
	m.currentRun = run

	m.toolPreIndex = make(map[string]string)
	m.eventIDByRequestID = make(map[string]string)
	m.eventKindByRequestID = make(map[string]feed.Kind)
	m.activeSubagentStack = nil

	return run
}

func (m *Mapper) actorFor(id, kind, name string) string {
	if id == "" {
		id = "main"
		kind = "main"
	}
	if _, ok := m.actors[id]; !ok {
		m.actors[id] = &feed.Actor{ID: id, Kind: kind, Name: name}
	}
	return id
}

// MapEvent translates one inbound envelope into the FeedEvents it produces.
// Most hook kinds produce exactly one FeedEvent; SessionStart/SessionEnd and
// run-bracketing kinds may also synthesize a companion run.start/run.end.
func (m *Mapper) MapEvent(env *protocol.Envelope) []*feed.FeedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := env.Event
	var out []*feed.FeedEvent

	switch ev.HookEventName {
	case protocol.HookSessionStart:
		sessionID := ev.SessionID
		if sessionID == "" {
			sessionID = protocol.NewID()
		}
		m.currentSession = &feed.Session{ID: sessionID, StartedAt: time.Now().UTC(), Model: ev.Model, Source: ev.Source}
		out = append(out, m.allocate(feed.New(feed.KindSessionStart).
			WithSession(sessionID).
			WithActor(m.actorFor("", "main", "")).
			WithSummary("session started").
			WithData("source", ev.Source)))
		// Resuming, clearing, or compacting all start a fresh logical run;
		// a plain process startup waits for the first UserPromptSubmit.
		switch ev.Source {
		case "resume", "clear", "compact":
			run, closeEvt := m.ensureRun(sessionID, ev.Source)
			if closeEvt != nil {
				out = append(out, closeEvt)
			}
			out = append(out, m.allocate(feed.New(feed.KindRunStart).
				WithSession(sessionID).WithRun(run.ID).
				WithSummary("run started").
				WithData("trigger", ev.Source)))
		}

	case protocol.HookSessionEnd:
		sid := m.sessionID(ev)
		if m.currentRun != nil {
			out = append(out, m.closeCurrentRun())
		}
		out = append(out, m.allocate(feed.New(feed.KindSessionEnd).
			WithSession(sid).
			WithSummary("session ended").
			WithData("reason", ev.Reason)))
		if m.currentSession != nil {
			m.currentSession.EndedAt = time.Now().UTC()
		}

	case protocol.HookUserPromptSubmit:
		run, closeEvt := m.ensureRun(m.sessionID(ev), "user_prompt_submit")
		if closeEvt != nil {
			out = append(out, closeEvt)
		}
		out = append(out, m.allocate(feed.New(feed.KindRunStart).
			WithSession(run.SessionID).WithRun(run.ID).
			WithSummary("run started").
			WithData("trigger", "user_prompt_submit").
			WithData("prompt_preview", truncate(ev.Prompt, 80))))
		out = append(out, m.allocate(feed.New(feed.KindUserPrompt).
			WithSession(run.SessionID).WithRun(run.ID).
			WithSummary(truncate(ev.Prompt, 200)).
			WithData("prompt", ev.Prompt).
			WithData("cwd", ev.CWD).
			WithData("permission_mode", ev.PermissionMode)))

	case protocol.HookPreToolUse:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		fe := m.allocate(feed.New(feed.KindToolPre).
			WithSession(run.SessionID).WithRun(run.ID).
			WithActor(m.actorFor(ev.AgentID, "main", "")).
			WithTool(ev.ToolName, ev.ToolUseID).
			WithRequest(env.RequestID).
			WithSummary(fmt.Sprintf("%s requested", ev.ToolName)).
			WithData("tool_input", decodeRaw(ev.ToolInput)))
		if ev.ToolUseID != "" {
			m.toolPreIndex[ev.ToolUseID] = fe.EventID
		}
		m.eventIDByRequestID[env.RequestID] = fe.EventID
		m.eventKindByRequestID[env.RequestID] = feed.KindToolPre
		out = append(out, fe)

	case protocol.HookPostToolUse:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		fe := m.allocate(feed.New(feed.KindToolPost).
			WithSession(run.SessionID).WithRun(run.ID).
			WithTool(ev.ToolName, ev.ToolUseID).
			WithSummary(fmt.Sprintf("%s completed", ev.ToolName)).
			WithData("tool_response", decodeRaw(ev.ToolResponse)))
		if parent, ok := m.toolPreIndex[ev.ToolUseID]; ok {
			fe.WithParent(parent)
		}
		out = append(out, fe)

	case protocol.HookPostToolUseFailure:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		fe := m.allocate(feed.New(feed.KindToolFailure).
			WithLevel(feed.LevelError).
			WithSession(run.SessionID).WithRun(run.ID).
			WithTool(ev.ToolName, ev.ToolUseID).
			WithSummary(fmt.Sprintf("%s failed", ev.ToolName)).
			WithData("error", ev.Error))
		if parent, ok := m.toolPreIndex[ev.ToolUseID]; ok {
			fe.WithParent(parent)
		}
		out = append(out, fe)

	case protocol.HookPermissionRequest:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		fe := m.allocate(feed.New(feed.KindPermissionRequest).
			WithSession(run.SessionID).WithRun(run.ID).
			WithTool(ev.ToolName, ev.ToolUseID).
			WithRequest(env.RequestID).
			WithSummary(fmt.Sprintf("permission requested for %s", ev.ToolName)).
			WithData("tool_input", decodeRaw(ev.ToolInput)))
		m.eventIDByRequestID[env.RequestID] = fe.EventID
		m.eventKindByRequestID[env.RequestID] = feed.KindPermissionRequest
		out = append(out, fe)

	case protocol.HookStop:
		// Stop does not itself bracket a run: the spec's ensureRun("other")
		// means it only opens one if none is open yet, matching a Stop that
		// arrives without a preceding UserPromptSubmit (e.g. a clear/resume
		// run that never produced a prompt). The run closes on the next
		// non-"other" trigger, not here.
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		fe := m.allocate(feed.New(feed.KindStopRequest).
			WithSession(run.SessionID).WithRun(run.ID).
			WithRequest(env.RequestID).
			WithSummary("stop requested"))
		m.eventIDByRequestID[env.RequestID] = fe.EventID
		m.eventKindByRequestID[env.RequestID] = feed.KindStopRequest
		out = append(out, fe)
		if ev.LastAssistantMessage != "" {
			out = append(out, m.allocate(feed.New(feed.KindAgentMessage).
				WithSession(run.SessionID).WithRun(run.ID).
				WithActor(m.actorFor("", "main", "")).
				WithParent(fe.EventID).
				WithSummary(truncate(ev.LastAssistantMessage, 200)).
				WithData("message", ev.LastAssistantMessage)))
		}

	case protocol.HookSubagentStart:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		actorID := m.actorFor(ev.AgentID, "subagent", ev.AgentType)
		m.activeSubagentStack = append(m.activeSubagentStack, actorID)
		out = append(out, m.allocate(feed.New(feed.KindSubagentStart).
			WithSession(run.SessionID).WithRun(run.ID).
			WithActor(actorID).
			WithSummary("subagent started")))

	case protocol.HookSubagentStop:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		actorID := m.actorFor(ev.AgentID, "subagent", ev.AgentType)
		m.popSubagent(actorID)
		out = append(out, m.allocate(feed.New(feed.KindSubagentStop).
			WithSession(run.SessionID).WithRun(run.ID).
			WithActor(actorID).
			WithSummary("subagent stopped")))

	case protocol.HookNotification:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		out = append(out, m.allocate(feed.New(feed.KindNotification).
			WithSession(run.SessionID).WithRun(run.ID).
			WithSummary(ev.Message).
			WithData("title", ev.Title).
			WithData("notification_type", ev.NotificationType)))

	case protocol.HookPreCompact:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		out = append(out, m.allocate(feed.New(feed.KindCompactPre).
			WithSession(run.SessionID).WithRun(run.ID).
			WithSummary("context compaction starting").
			WithData("trigger", ev.Trigger)))

	case protocol.HookSetup:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		out = append(out, m.allocate(feed.New(feed.KindSetup).
			WithLevel(feed.LevelDebug).
			WithSession(run.SessionID).WithRun(run.ID).
			WithSummary("setup")))

	case protocol.HookTeammateIdle:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		out = append(out, m.allocate(feed.New(feed.KindTeammateIdle).
			WithLevel(feed.LevelDebug).
			WithSession(run.SessionID).WithRun(run.ID).
			WithSummary(fmt.Sprintf("teammate %s idle", ev.TeammateName)).
			WithData("team_name", ev.TeamName)))

	case protocol.HookTaskCompleted:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		out = append(out, m.allocate(feed.New(feed.KindTaskCompleted).
			WithSession(run.SessionID).WithRun(run.ID).
			WithSummary(ev.TaskSubject).
			WithData("task_id", ev.TaskID)))

	case protocol.HookConfigChange:
		run, _ := m.ensureRun(m.sessionID(ev), "other")
		out = append(out, m.allocate(feed.New(feed.KindConfigChange).
			WithLevel(feed.LevelDebug).
			WithSession(run.SessionID).WithRun(run.ID).
			WithSummary(fmt.Sprintf("config changed: %s", ev.ConfigKey)).
			WithData("config_key", ev.ConfigKey).
			WithData("config_value", ev.ConfigValue)))

	default:
		out = append(out, m.allocate(feed.New(feed.KindUnknownHook).
			WithSession(m.sessionID(ev)).
			WithSummary(string(ev.HookEventName))))
	}

	return out
}

// MapDecision translates a resolved request into the matching
// permission.decision/stop.decision FeedEvent, per the derivation rules:
// timeout -> no_opinion(timeout); passthrough -> no_opinion(source);
// intent=allow -> allow; intent=deny -> deny(message); block-shaped ->
// block(reason).
func (m *Mapper) MapDecision(requestID string, outcome DecisionOutcome) (*feed.FeedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parentID, ok := m.eventIDByRequestID[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDoubleDecision, requestID)
	}
	requestKind := m.eventKindByRequestID[requestID]

	decisionKind := feed.KindPermissionDecision
	if requestKind == feed.KindStopRequest {
		decisionKind = feed.KindStopDecision
	}

	var decisionType feed.DecisionType
	var reason feed.DecisionReason
	switch outcome.Intent {
	case "timeout":
		decisionType, reason = feed.DecisionTypeNoOpinion, feed.DecisionReasonTimeout
	case "passthrough":
		decisionType, reason = feed.DecisionTypeNoOpinion, feed.DecisionReasonSource
	case "allow":
		decisionType, reason = feed.DecisionTypeAllow, feed.DecisionReasonOperator
	case "deny":
		decisionType, reason = feed.DecisionTypeDeny, feed.DecisionReasonOperator
	case "block":
		decisionType, reason = feed.DecisionTypeBlock, feed.DecisionReasonOperator
	default:
		return nil, fmt.Errorf("mapper: unknown decision intent %q", outcome.Intent)
	}

	sid := ""
	if m.currentSession != nil {
		sid = m.currentSession.ID
	}
	runID := ""
	if m.currentRun != nil {
		runID = m.currentRun.ID
	}

	fe := m.allocate(feed.New(decisionKind).
		WithSession(sid).WithRun(runID).
		WithParent(parentID).
		WithRequest(requestID).
		WithDecision(decisionType, reason).
		WithSummary(outcome.Message))

	delete(m.eventIDByRequestID, requestID)
	delete(m.eventKindByRequestID, requestID)

	return fe, nil
}

func (m *Mapper) popSubagent(actorID string) {
	for i := len(m.activeSubagentStack) - 1; i >= 0; i-- {
		if m.activeSubagentStack[i] == actorID {
			m.activeSubagentStack = append(m.activeSubagentStack[:i], m.activeSubagentStack[i+1:]...)
			return
		}
	}
}

func (m *Mapper) sessionID(ev protocol.HookEvent) string {
	if ev.SessionID != "" {
		return ev.SessionID
	}
	if m.currentSession != nil {
		return m.currentSession.ID
	}
	return ""
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
