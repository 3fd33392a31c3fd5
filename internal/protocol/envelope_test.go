package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestIsValidEnvelope(t *testing.T) {
	cases := []struct {
		name    string
		env     *Envelope
		wantErr bool
	}{
		{"nil", nil, true},
		{"wrong type", &Envelope{Type: "bogus", RequestID: "r1", Event: HookEvent{HookEventName: HookStop, SessionID: "s1"}}, true},
		{"missing request id", &Envelope{Type: "hook_event", Event: HookEvent{HookEventName: HookStop, SessionID: "s1"}}, true},
		{"missing session id", &Envelope{Type: "hook_event", RequestID: "r1", Event: HookEvent{HookEventName: HookStop}}, true},
		{"missing hook event name", &Envelope{Type: "hook_event", RequestID: "r1", Event: HookEvent{SessionID: "s1"}}, true},
		// Unknown hook_event_name values are accepted verbatim for
		// forward-compat (spec.md §4.1, §6) and fall through to the
		// mapper's unknown.hook case rather than being rejected here.
		{"unknown hook name is accepted", &Envelope{Type: "hook_event", RequestID: "r1", Event: HookEvent{HookEventName: "Bogus", SessionID: "s1"}}, false},
		{"valid", &Envelope{Type: "hook_event", RequestID: "r1", Event: HookEvent{HookEventName: HookPreToolUse, SessionID: "s1"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := IsValidEnvelope(tc.env)
			if (err != nil) != tc.wantErr {
				t.Fatalf("IsValidEnvelope() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestLineReaderDecodesMultipleEnvelopes(t *testing.T) {
	input := `{"type":"hook_event","request_id":"r1","event":{"hook_event_name":"SessionStart"}}` + "\n" +
		`{"type":"hook_event","request_id":"r2","event":{"hook_event_name":"Stop"}}` + "\n"
	lr := NewLineReader(strings.NewReader(input))

	env1, err := lr.Next()
	if err != nil {
		t.Fatalf("Next() #1 error: %v", err)
	}
	if env1.RequestID != "r1" || env1.Event.HookEventName != HookSessionStart {
		t.Fatalf("unexpected envelope 1: %+v", env1)
	}

	env2, err := lr.Next()
	if err != nil {
		t.Fatalf("Next() #2 error: %v", err)
	}
	if env2.RequestID != "r2" || env2.Event.HookEventName != HookStop {
		t.Fatalf("unexpected envelope 2: %+v", env2)
	}

	if _, err := lr.Next(); err == nil {
		t.Fatalf("expected EOF on third read")
	}
}

func TestWriteResultRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResult(&buf, "req-1", PreToolAllow()); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	if !strings.Contains(buf.String(), `"request_id":"req-1"`) {
		t.Fatalf("missing request id in output: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"permissionDecision":"allow"`) {
		t.Fatalf("missing permission decision in output: %s", buf.String())
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("expected trailing newline")
	}
}

func TestNewIDIsUnique(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
}
