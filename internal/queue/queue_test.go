package queue

import (
	"testing"

	"github.com/lespaceman/athena/internal/feed"
)

func TestPermissionQueueFIFOOrdering(t *testing.T) {
	q := NewPermissionQueue()
	q.Enqueue(feed.PermissionQueueItem{RequestID: "r1", ToolName: "Write"})
	q.Enqueue(feed.PermissionQueueItem{RequestID: "r2", ToolName: "Write"})

	if q.Count() != 2 {
		t.Fatalf("Count = %d, want 2", q.Count())
	}
	head, ok := q.Current()
	if !ok || head.RequestID != "r1" {
		t.Fatalf("Current = %+v, want r1 head", head)
	}

	if _, ok := q.Dequeue("r1"); !ok {
		t.Fatal("expected r1 to dequeue")
	}
	head, ok = q.Current()
	if !ok || head.RequestID != "r2" {
		t.Fatalf("Current after dequeue = %+v, want r2 head", head)
	}
}

func TestPermissionQueueNoCoalescing(t *testing.T) {
	q := NewPermissionQueue()
	q.Enqueue(feed.PermissionQueueItem{RequestID: "r1", ToolName: "Bash"})
	q.Enqueue(feed.PermissionQueueItem{RequestID: "r2", ToolName: "Bash"})
	if q.Count() != 2 {
		t.Fatalf("expected two distinct queued prompts for the same tool, got %d", q.Count())
	}
}

func TestPermissionQueueRemoveAllPrunesOnClose(t *testing.T) {
	q := NewPermissionQueue()
	q.Enqueue(feed.PermissionQueueItem{RequestID: "r1"})
	q.Enqueue(feed.PermissionQueueItem{RequestID: "r2"})
	q.Enqueue(feed.PermissionQueueItem{RequestID: "r3"})

	q.RemoveAll([]string{"r1", "r3"})

	if q.Count() != 1 {
		t.Fatalf("Count = %d, want 1", q.Count())
	}
	head, ok := q.Current()
	if !ok || head.RequestID != "r2" {
		t.Fatalf("Current = %+v, want r2", head)
	}
}

func TestQuestionQueueBasic(t *testing.T) {
	q := NewQuestionQueue()
	if _, ok := q.Current(); ok {
		t.Fatal("expected empty queue to have no current item")
	}
	q.Enqueue(feed.QuestionQueueItem{RequestID: "s1"})
	head, ok := q.Current()
	if !ok || head.RequestID != "s1" {
		t.Fatalf("Current = %+v", head)
	}
	if _, ok := q.Dequeue("s1"); !ok {
		t.Fatal("expected dequeue to succeed")
	}
	if q.Count() != 0 {
		t.Fatalf("Count = %d, want 0", q.Count())
	}
}
