package sink

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/ingesttrace"
)

type recordingWriter struct {
	mu        sync.Mutex
	messages  []core.ChatMessage
	failAfter int
	calls     int
}

func (r *recordingWriter) Write(msg core.ChatMessage, _ *ingesttrace.MessageTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return fmt.Errorf("boom")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestBufferedWriterBatchFlush(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(core.ChatMessage{Text: "1"}, nil); err != nil {
		t.Fatalf("write1: %v", err)
	}
	if base.Count() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := bw.Write(core.ChatMessage{Text: "2"}, nil); err != nil {
		t.Fatalf("write2: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected batch flush, got %d", base.Count())
	}
}

func TestBufferedWriterFlushInterval(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(core.ChatMessage{Text: "interval"}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for base.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if base.Count() != 1 {
		t.Fatalf("expected timer flush, got %d", base.Count())
	}
}

func TestBufferedWriterExplicitFlushAndClose(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10})

	_ = bw.Write(core.ChatMessage{Text: "a"}, nil)
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if base.Count() != 1 {
		t.Fatalf("expected flush to write 1, got %d", base.Count())
	}
	_ = bw.Write(core.ChatMessage{Text: "b"}, nil)
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected close to drain buffer, got %d", base.Count())
	}
	if err := bw.Write(core.ChatMessage{Text: "c"}, nil); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}

func TestBufferedWriterErrorPropagation(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1, FlushInterval: 0})
	defer func() {
		_ = bw.Close()
	}()

	if err := bw.Write(core.ChatMessage{Text: "err"}, nil); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
}

func TestBufferedWriterKeepsWritingAfterFailure(t *testing.T) {
	base := &recordingWriter{}
	failing := &flakyWriter{base: base, failOn: 1}
	bw := NewBufferedWriter(failing, BufferedOptions{BatchSize: 3})

	_ = bw.Write(core.ChatMessage{Text: "1"}, nil)
	_ = bw.Write(core.ChatMessage{Text: "2"}, nil)
	if err := bw.Write(core.ChatMessage{Text: "3"}, nil); err == nil {
		t.Fatalf("expected batch error")
	}
	if base.Count() != 2 {
		t.Fatalf("expected remaining batch written, got %d", base.Count())
	}
}

type flakyWriter struct {
	base   Writer
	failOn int
	calls  int
}

func (f *flakyWriter) Write(msg core.ChatMessage, trace *ingesttrace.MessageTrace) error {
	f.calls++
	if f.calls == f.failOn {
		return fmt.Errorf("flaky")
	}
	return f.base.Write(msg, trace)
}
