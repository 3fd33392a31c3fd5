package mapper

import (
	"errors"
	"testing"

	"github.com/lespaceman/athena/internal/feed"
	"github.com/lespaceman/athena/internal/protocol"
)

func envelope(requestID string, name protocol.HookEventName, event protocol.HookEvent) *protocol.Envelope {
	event.HookEventName = name
	return &protocol.Envelope{Type: "hook_event", RequestID: requestID, Event: event}
}

func TestSeqIsStrictlyMonotonic(t *testing.T) {
	m := New()
	m.MapEvent(envelope("r1", protocol.HookSessionStart, protocol.HookEvent{SessionID: "s1"}))
	events := m.MapEvent(envelope("r2", protocol.HookUserPromptSubmit, protocol.HookEvent{SessionID: "s1", Prompt: "hi"}))

	var lastSeq uint64
	for _, e := range events {
		if e.Seq <= lastSeq {
			t.Fatalf("seq not increasing: %d after %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
	}
}

func TestToolPostCorrelatesToToolPre(t *testing.T) {
	m := New()
	m.MapEvent(envelope("r1", protocol.HookSessionStart, protocol.HookEvent{SessionID: "s1"}))
	m.MapEvent(envelope("r2", protocol.HookUserPromptSubmit, protocol.HookEvent{SessionID: "s1", Prompt: "hi"}))

	preEvents := m.MapEvent(envelope("r3", protocol.HookPreToolUse, protocol.HookEvent{
		SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1",
	}))
	preID := preEvents[0].EventID

	postEvents := m.MapEvent(envelope("r4", protocol.HookPostToolUse, protocol.HookEvent{
		SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1",
	}))

	if postEvents[0].ParentEventID != preID {
		t.Fatalf("expected parent_event_id %q, got %q", preID, postEvents[0].ParentEventID)
	}
}

func TestRunBoundaryClearsCorrelationIndex(t *testing.T) {
	m := New()
	m.MapEvent(envelope("r1", protocol.HookSessionStart, protocol.HookEvent{SessionID: "s1"}))
	m.MapEvent(envelope("r2", protocol.HookUserPromptSubmit, protocol.HookEvent{SessionID: "s1", Prompt: "hi"}))
	m.MapEvent(envelope("r3", protocol.HookPreToolUse, protocol.HookEvent{
		SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1",
	}))
	// Stop does not end the run; it only records a stop.request.
	m.MapEvent(envelope("r4", protocol.HookStop, protocol.HookEvent{SessionID: "s1"}))
	// A fresh prompt starts a new run; tu-1 should no longer correlate.
	m.MapEvent(envelope("r5", protocol.HookUserPromptSubmit, protocol.HookEvent{SessionID: "s1", Prompt: "again"}))

	postEvents := m.MapEvent(envelope("r6", protocol.HookPostToolUse, protocol.HookEvent{
		SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1",
	}))
	if postEvents[0].ParentEventID != "" {
		t.Fatalf("expected no correlation across run boundary, got %q", postEvents[0].ParentEventID)
	}
}

func TestMapDecisionTimeoutIsNoOpinion(t *testing.T) {
	m := New()
	m.MapEvent(envelope("r1", protocol.HookSessionStart, protocol.HookEvent{SessionID: "s1"}))
	m.MapEvent(envelope("r2", protocol.HookUserPromptSubmit, protocol.HookEvent{SessionID: "s1", Prompt: "hi"}))
	m.MapEvent(envelope("r3", protocol.HookPermissionRequest, protocol.HookEvent{
		SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1",
	}))

	fe, err := m.MapDecision("r3", DecisionOutcome{Intent: "timeout"})
	if err != nil {
		t.Fatalf("MapDecision: %v", err)
	}
	if fe.Kind != feed.KindPermissionDecision {
		t.Fatalf("unexpected kind %q", fe.Kind)
	}
	if fe.Decision != feed.DecisionTypeNoOpinion || fe.DecisionReason != feed.DecisionReasonTimeout {
		t.Fatalf("unexpected decision: %+v", fe)
	}
}

func TestMapDecisionUnknownRequestErrors(t *testing.T) {
	m := New()
	if _, err := m.MapDecision("nonexistent", DecisionOutcome{Intent: "allow"}); err == nil {
		t.Fatalf("expected error for unknown request id")
	}
}

func TestMapDecisionSecondCallForSameRequestIsRejected(t *testing.T) {
	m := New()
	m.MapEvent(envelope("r1", protocol.HookSessionStart, protocol.HookEvent{SessionID: "s1"}))
	m.MapEvent(envelope("r2", protocol.HookUserPromptSubmit, protocol.HookEvent{SessionID: "s1", Prompt: "hi"}))
	m.MapEvent(envelope("r3", protocol.HookPermissionRequest, protocol.HookEvent{
		SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1",
	}))

	fe, err := m.MapDecision("r3", DecisionOutcome{Intent: "allow"})
	if err != nil || fe == nil {
		t.Fatalf("first MapDecision should succeed, got fe=%v err=%v", fe, err)
	}

	second, err := m.MapDecision("r3", DecisionOutcome{Intent: "deny"})
	if err == nil || second != nil {
		t.Fatalf("second MapDecision for the same request_id should be rejected, got fe=%v err=%v", second, err)
	}
	if !errors.Is(err, ErrDoubleDecision) {
		t.Fatalf("expected ErrDoubleDecision, got %v", err)
	}
}

func TestSubagentStartStopTracksStack(t *testing.T) {
	m := New()
	m.MapEvent(envelope("r1", protocol.HookSessionStart, protocol.HookEvent{SessionID: "s1"}))
	m.MapEvent(envelope("r2", protocol.HookUserPromptSubmit, protocol.HookEvent{SessionID: "s1", Prompt: "hi"}))
	events := m.MapEvent(envelope("r3", protocol.HookSubagentStart, protocol.HookEvent{SessionID: "s1", AgentID: "sub-1"}))
	if events[0].Kind != feed.KindSubagentStart {
		t.Fatalf("expected subagent.start, got %q", events[0].Kind)
	}
	if len(m.activeSubagentStack) != 1 {
		t.Fatalf("expected 1 active subagent, got %d", len(m.activeSubagentStack))
	}
	m.MapEvent(envelope("r4", protocol.HookSubagentStop, protocol.HookEvent{SessionID: "s1", AgentID: "sub-1"}))
	if len(m.activeSubagentStack) != 0 {
		t.Fatalf("expected 0 active subagents after stop, got %d", len(m.activeSubagentStack))
	}
}
