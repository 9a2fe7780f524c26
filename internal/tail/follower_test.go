package tail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/livechat-collector/internal/chatlog"
	"github.com/you/livechat-collector/internal/core"
)

func startFollower(t *testing.T, dir string) *Follower {
	t.Helper()
	f := New(dir)
	f.Debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-f.Ready():
	case err := <-done:
		t.Fatalf("follower exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("follower never became ready")
	}
	return f
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestFollowerPublishesAppendedRows(t *testing.T) {
	dir := t.TempDir()
	f := startFollower(t, dir)
	events, cancel := f.Subscribe("vid")
	defer cancel()
	others, cancelOthers := f.Subscribe("other")
	defer cancelOthers()

	w, err := chatlog.Create(filepath.Join(dir, "chat_log_vid_20240101_100000.csv"))
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	defer w.Close()
	msgs := []core.ChatMessage{
		{StreamID: "vid", Timestamp: "2024-01-01 10:00:01", Author: "alice", Text: "hello, world"},
		{StreamID: "vid", Timestamp: "2024-01-01 10:00:02", Author: "bob", Text: "hi", SuperChat: "$5.00"},
	}
	for _, m := range msgs {
		if err := w.Append(m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first := next(t, events)
	second := next(t, events)
	if first.Record.Message != "hello, world" || first.StreamID != "vid" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if second.Record.SuperChat != "$5.00" {
		t.Fatalf("unexpected second event: %+v", second)
	}
	select {
	case ev := <-others:
		t.Fatalf("other stream received %+v", ev)
	default:
	}
}

func TestFollowerSkipsExistingRowsAndWaitsForCompleteRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat_log_vid_20240101_100000.csv")
	if err := os.WriteFile(path, []byte("datetime,author,message,superChat\n2024-01-01 10:00:00,old,row,\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f := startFollower(t, dir)
	events, cancel := f.Subscribe("vid")
	defer cancel()

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	if _, err := file.WriteString("2024-01-01 10:00:05,carol,par"); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := file.WriteString("tial,\n"); err != nil {
		t.Fatalf("write rest: %v", err)
	}

	ev := next(t, events)
	if ev.Record.Author != "carol" || ev.Record.Message != "partial" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	f := New(t.TempDir())
	ch, cancel := f.Subscribe("vid")
	if f.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	if f.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestWildcardSubscriptionSeesEveryStream(t *testing.T) {
	dir := t.TempDir()
	f := startFollower(t, dir)
	all, cancel := f.Subscribe("")
	defer cancel()

	for _, id := range []string{"one", "two"} {
		w, err := chatlog.Create(filepath.Join(dir, chatlog.FileName(id, time.Now())))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := w.Append(core.ChatMessage{StreamID: id, Timestamp: "2024-01-01 00:00:00", Author: "a", Text: id}); err != nil {
			t.Fatalf("append: %v", err)
		}
		_ = w.Close()
	}

	got := map[string]bool{}
	for len(got) < 2 {
		ev := next(t, all)
		got[ev.StreamID] = true
	}
	if !got["one"] || !got["two"] {
		t.Fatalf("unexpected streams: %v", got)
	}
}
