package ingesttrace

import (
	"strings"
	"testing"

	"github.com/you/livechat-collector/internal/core"
)

func TestTraceIDDeterminism(t *testing.T) {
	msg := core.ChatMessage{StreamID: "vid", Timestamp: "2024-01-01 00:00:00", Author: "user1", Text: "hello world"}
	first := NewMessageTrace(nil, msg)
	second := NewMessageTrace(nil, msg)
	if first.TraceID != second.TraceID {
		t.Fatalf("expected deterministic trace id, got %q and %q", first.TraceID, second.TraceID)
	}

	msg.SuperChat = "$1.00"
	if NewMessageTrace(nil, msg).TraceID != first.TraceID {
		t.Fatalf("super chat amount must not change the trace id")
	}

	msg.Text = "hello mars"
	if NewMessageTrace(nil, msg).TraceID == first.TraceID {
		t.Fatalf("expected different trace id when text changes")
	}
}

func TestCountersRollUpIntoRun(t *testing.T) {
	run := NewRunTrace("vid", "run-1")
	a := NewMessageTrace(run, core.ChatMessage{StreamID: "vid", Author: "a", Text: "one"})
	b := NewMessageTrace(run, core.ChatMessage{StreamID: "vid", Author: "b", Text: "two"})

	if count := a.IncCounter(StageWrittenToLog); count != 1 {
		t.Fatalf("expected written_to_log to be 1, got %d", count)
	}
	b.IncCounter(StageWrittenToLog)
	b.IncCounter(StageDropped("store"))

	if got := run.Count(StageSeenFromFeed); got != 2 {
		t.Fatalf("expected 2 seen, got %d", got)
	}
	if got := run.Count(StageWrittenToLog); got != 2 {
		t.Fatalf("expected 2 log writes, got %d", got)
	}
	snap := run.Snapshot()
	if snap[Stage("dropped_store")] != 1 {
		t.Fatalf("expected dropped_store 1, got %v", snap)
	}
	snap[StageSeenFromFeed] = 99
	if run.Count(StageSeenFromFeed) != 2 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestNilTraceIsNoop(t *testing.T) {
	var trace *MessageTrace
	if trace.IncCounter(StageWrittenToStore) != 0 {
		t.Fatalf("expected nil trace to report 0")
	}
	trace.LogTrace(nil, "ignored")
}

func TestSnippetTruncates(t *testing.T) {
	long := strings.Repeat("é", 50)
	trace := NewMessageTrace(nil, core.ChatMessage{Text: long})
	if len([]rune(trace.Snippet)) != 40 {
		t.Fatalf("expected 40 rune snippet, got %d", len([]rune(trace.Snippet)))
	}
}
