package broker

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lespaceman/athena/internal/controller"
	"github.com/lespaceman/athena/internal/feed"
	"github.com/lespaceman/athena/internal/protocol"
	"github.com/lespaceman/athena/internal/queue"
	"github.com/lespaceman/athena/internal/rules"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	cfg.SocketPath = sock
	b := New(cfg)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b, sock
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

func TestBrokerRuleDenyRespondsImmediately(t *testing.T) {
	ctrl := controller.New(
		rules.NewEngine([]feed.HookRule{{Pattern: "Bash", Action: "deny"}}),
		queue.NewPermissionQueue(),
		queue.NewQuestionQueue(),
	)

	var mu sync.Mutex
	var decisions []DecisionOutcome
	b, sock := newTestBroker(t, Config{
		Controller: ctrl,
		OnDecision: func(requestID string, o DecisionOutcome) {
			mu.Lock()
			decisions = append(decisions, o)
			mu.Unlock()
		},
	})
	_ = b

	conn := dial(t, sock)
	sendEnvelope(t, conn, "r1", protocol.HookPreToolUse, protocol.HookEvent{SessionID: "s1", ToolName: "Bash"})

	result := readResult(t, conn)
	if result.RequestID != "r1" {
		t.Fatalf("request id = %q", result.RequestID)
	}
	if result.Result.HookSpecificOutput == nil || result.Result.HookSpecificOutput.PermissionDecision != protocol.DecisionDeny {
		t.Fatalf("expected deny result, got %+v", result.Result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(decisions) != 1 || decisions[0].Intent != "deny" || decisions[0].Source != "rule" {
		t.Fatalf("decisions = %+v", decisions)
	}
}

func TestBrokerTimeoutPassesThrough(t *testing.T) {
	ctrl := controller.New(rules.NewEngine(nil), queue.NewPermissionQueue(), queue.NewQuestionQueue())

	b, sock := newTestBroker(t, Config{Controller: ctrl, AutoPassthroughMs: 20})
	_ = b

	conn := dial(t, sock)
	sendEnvelope(t, conn, "r2", protocol.HookPreToolUse, protocol.HookEvent{SessionID: "s1", ToolName: "Read"})

	result := readResult(t, conn)
	if !result.Result.Continue {
		t.Fatalf("expected passthrough (continue=true), got %+v", result.Result)
	}
}

func TestBrokerPermissionRequestEnqueuesWithoutTimeout(t *testing.T) {
	permQ := queue.NewPermissionQueue()
	ctrl := controller.New(rules.NewEngine(nil), permQ, queue.NewQuestionQueue())

	b, sock := newTestBroker(t, Config{Controller: ctrl, AutoPassthroughMs: 20})
	_ = b

	conn := dial(t, sock)
	sendEnvelope(t, conn, "r3", protocol.HookPermissionRequest, protocol.HookEvent{SessionID: "s1", ToolName: "Write"})

	time.Sleep(80 * time.Millisecond)
	if permQ.Count() != 1 {
		t.Fatalf("expected permission request to remain queued past the deadline, count = %d", permQ.Count())
	}

	if err := b.Respond("r3", protocol.PermissionAllow(""), DecisionOutcome{Intent: "allow", Source: "user"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	result := readResult(t, conn)
	if result.Result.HookSpecificOutput.PermissionDecision != protocol.DecisionAllow {
		t.Fatalf("unexpected result: %+v", result.Result)
	}
}

func TestBrokerConnectionCloseEmitsSyntheticPassthrough(t *testing.T) {
	permQ := queue.NewPermissionQueue()
	ctrl := controller.New(rules.NewEngine(nil), permQ, queue.NewQuestionQueue())

	var mu sync.Mutex
	var closedIDs []string
	b, sock := newTestBroker(t, Config{
		Controller: ctrl,
		OnConnectionClose: func(ids []string) {
			mu.Lock()
			closedIDs = append(closedIDs, ids...)
			mu.Unlock()
		},
	})
	_ = b

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sendEnvelope(t, conn, "r4", protocol.HookPermissionRequest, protocol.HookEvent{SessionID: "s1", ToolName: "Write"})

	time.Sleep(30 * time.Millisecond)
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(closedIDs) != 1 || closedIDs[0] != "r4" {
		t.Fatalf("closedIDs = %v", closedIDs)
	}
}
