package facade

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lespaceman/athena/internal/feed"
	"github.com/lespaceman/athena/internal/mapper"
	"github.com/lespaceman/athena/internal/protocol"
	"github.com/lespaceman/athena/internal/queue"
	"github.com/lespaceman/athena/internal/rules"
	"github.com/lespaceman/athena/internal/store"
)

func newTestFacade(t *testing.T) (*Facade, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sock := filepath.Join(t.TempDir(), "athena.sock")
	f := New(Config{
		ProjectDir: t.TempDir(),
		Mapper:     mapper.New(),
		Store:      st,
		Rules:      rules.NewEngine([]feed.HookRule{{Pattern: "Bash", Action: "deny"}}),
		Permission: queue.NewPermissionQueue(),
		Question:   queue.NewQuestionQueue(),
		AutoPassMs: 30,
		SocketPath: sock,
	})
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { f.Stop() })
	return f, sock
}

func dial(t *testing.T, sock string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn net.Conn, requestID string, name protocol.HookEventName, ev protocol.HookEvent) {
	t.Helper()
	ev.HookEventName = name
	env := protocol.Envelope{Type: "hook_event", RequestID: requestID, Event: ev}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readResult(t *testing.T, conn net.Conn) protocol.ResultEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	if !scanner.Scan() {
		t.Fatalf("no result read: %v", scanner.Err())
	}
	var result protocol.ResultEnvelope
	if err := json.Unmarshal(scanner.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return result
}

func TestFacadeRuleDenyIsPersistedAndReturned(t *testing.T) {
	f, sock := newTestFacade(t)
	conn := dial(t, sock)

	sendEnvelope(t, conn, "r1", protocol.HookPreToolUse, protocol.HookEvent{SessionID: "s1", ToolName: "Bash", ToolUseID: "tu1"})
	result := readResult(t, conn)
	if result.Result.HookSpecificOutput.PermissionDecision != protocol.DecisionDeny {
		t.Fatalf("result = %+v", result.Result)
	}

	time.Sleep(20 * time.Millisecond)
	items := f.Items()
	var sawPre, sawDecision bool
	for _, it := range items {
		if it.Event == nil {
			continue
		}
		if it.Event.Kind == feed.KindToolPre {
			sawPre = true
		}
		if it.Event.Kind == feed.KindPermissionDecision && it.Event.Decision == feed.DecisionTypeDeny {
			sawDecision = true
		}
	}
	if !sawPre || !sawDecision {
		t.Fatalf("items = %+v", items)
	}
}

func TestFacadePermissionResolveAlwaysAllowPersistsRule(t *testing.T) {
	f, sock := newTestFacade(t)
	conn := dial(t, sock)

	sendEnvelope(t, conn, "r2", protocol.HookPermissionRequest, protocol.HookEvent{SessionID: "s1", ToolName: "Write", ToolUseID: "tu2"})
	time.Sleep(20 * time.Millisecond)

	item, ok := f.CurrentPermission()
	if !ok || item.RequestID != "r2" {
		t.Fatalf("CurrentPermission = %+v, %v", item, ok)
	}

	if err := f.ResolvePermission("r2", true, "looks fine", true); err != nil {
		t.Fatalf("ResolvePermission: %v", err)
	}

	result := readResult(t, conn)
	if result.Result.HookSpecificOutput.PermissionDecision != protocol.DecisionAllow {
		t.Fatalf("result = %+v", result.Result)
	}

	found := false
	for _, r := range f.Rules() {
		if r.Pattern == "Write" && r.Action == "allow" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an always-allow rule for Write, got %+v", f.Rules())
	}
}

func TestFacadeQuestionResolve(t *testing.T) {
	f, sock := newTestFacade(t)
	conn := dial(t, sock)

	sendEnvelope(t, conn, "r3", protocol.HookPreToolUse, protocol.HookEvent{SessionID: "s1", ToolName: "AskUserQuestion"})
	time.Sleep(20 * time.Millisecond)

	if _, ok := f.CurrentQuestion(); !ok {
		t.Fatal("expected a queued question")
	}

	answers := map[string]string{"Continue with the deploy?": "yes"}
	if err := f.ResolveQuestion("r3", answers); err != nil {
		t.Fatalf("ResolveQuestion: %v", err)
	}
	result := readResult(t, conn)
	if result.Result.HookSpecificOutput == nil || result.Result.HookSpecificOutput.PermissionDecision != protocol.DecisionAllow {
		t.Fatalf("expected permissionDecision=allow, got %+v", result.Result)
	}
	if result.Result.UpdatedInput["Continue with the deploy?"] != "yes" {
		t.Fatalf("expected updatedInput to echo answers, got %+v", result.Result.UpdatedInput)
	}
	if result.Result.AdditionalContext != "Continue with the deploy?: yes" {
		t.Fatalf("expected additionalContext to enumerate Q/A, got %q", result.Result.AdditionalContext)
	}
}

func TestFacadeConnectionCloseDrainsQueues(t *testing.T) {
	f, sock := newTestFacade(t)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	sendEnvelope(t, conn, "r4", protocol.HookPermissionRequest, protocol.HookEvent{SessionID: "s1", ToolName: "Write"})
	time.Sleep(20 * time.Millisecond)
	conn.Close()
	time.Sleep(30 * time.Millisecond)

	if _, ok := f.CurrentPermission(); ok {
		t.Fatal("expected queue to be drained after connection close")
	}
}

func TestFacadePostMessageInterleavesWithEvents(t *testing.T) {
	f, sock := newTestFacade(t)
	conn := dial(t, sock)

	sendEnvelope(t, conn, "r5", protocol.HookPreToolUse, protocol.HookEvent{SessionID: "s1", ToolName: "Read", ToolUseID: "tu5"})
	readResult(t, conn)
	time.Sleep(20 * time.Millisecond)

	f.PostMessage("operator note")

	items := f.Items()
	if len(items) < 2 {
		t.Fatalf("expected at least 2 items, got %d", len(items))
	}
	last := items[len(items)-1]
	if !last.isMessage() {
		t.Fatalf("expected the newest item to be the posted message, got %+v", last)
	}
}
