package rules

import (
	"testing"

	"github.com/lespaceman/athena/internal/feed"
)

func TestDenyTakesPrecedenceOverAllow(t *testing.T) {
	e := NewEngine([]feed.HookRule{
		{Pattern: "Bash", Action: "allow"},
		{Pattern: "Bash", Action: "deny"},
	})
	d := e.Decide("Bash")
	if !d.Matched || d.Action != ActionDeny {
		t.Fatalf("expected deny to win, got %+v", d)
	}
}

func TestWildcardPrefixMatch(t *testing.T) {
	e := NewEngine([]feed.HookRule{
		{Pattern: "mcp:github.*", Action: "allow"},
	})
	d := e.Decide("mcp:github.create_issue")
	if !d.Matched || d.Action != ActionAllow {
		t.Fatalf("expected wildcard allow, got %+v", d)
	}
	d2 := e.Decide("mcp:slack.post_message")
	if d2.Matched {
		t.Fatalf("expected no match for unrelated tool, got %+v", d2)
	}
}

func TestUniversalWildcard(t *testing.T) {
	e := NewEngine([]feed.HookRule{{Pattern: "*", Action: "allow"}})
	d := e.Decide("AnythingAtAll")
	if !d.Matched || d.Action != ActionAllow {
		t.Fatalf("expected universal match, got %+v", d)
	}
}

func TestAppendAndRemove(t *testing.T) {
	e := NewEngine(nil)
	e.Append(feed.HookRule{Pattern: "Read", Action: "allow"})
	if len(e.List()) != 1 {
		t.Fatalf("expected 1 rule after append")
	}
	if !e.Remove(0) {
		t.Fatalf("expected remove to succeed")
	}
	if len(e.List()) != 0 {
		t.Fatalf("expected 0 rules after remove")
	}
	if e.Remove(0) {
		t.Fatalf("expected remove out of range to fail")
	}
}

func TestNoMatchIsUnmatched(t *testing.T) {
	e := NewEngine([]feed.HookRule{{Pattern: "Read", Action: "allow"}})
	d := e.Decide("Write")
	if d.Matched {
		t.Fatalf("expected no match, got %+v", d)
	}
}
