package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/you/livechat-collector/internal/core"
)

// Stage represents an ingestion stage a message passes through.
type Stage string

const (
	StageSeenFromFeed   Stage = "seen_from_feed"
	StageWrittenToLog   Stage = "written_to_log"
	StageWrittenToStore Stage = "written_to_store"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for a message that failed to reach a target.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// RunTrace aggregates stage counters for one collector run.
type RunTrace struct {
	StreamID string
	RunID    string

	mu       sync.Mutex
	counters map[Stage]int64
}

func NewRunTrace(streamID, runID string) *RunTrace {
	return &RunTrace{
		StreamID: streamID,
		RunID:    runID,
		counters: make(map[Stage]int64),
	}
}

func (r *RunTrace) inc(stage Stage) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[stage]++
	return r.counters[stage]
}

// Count returns the current value of one stage counter.
func (r *RunTrace) Count(stage Stage) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[stage]
}

func (r *RunTrace) Snapshot() map[Stage]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Stage]int64, len(r.counters))
	for stage, count := range r.counters {
		out[stage] = count
	}
	return out
}

// LogSummary logs the run's counters as one structured record.
func (r *RunTrace) LogSummary(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(msg,
		"video_id", r.StreamID,
		"run_id", r.RunID,
		"counters", r.Snapshot(),
	)
}

// MessageTrace follows one message through the sink. Counter increments are
// mirrored into the owning run, if any.
type MessageTrace struct {
	StreamID string
	Author   string
	Snippet  string
	TraceID  string

	run      *RunTrace
	mu       sync.Mutex
	counters map[Stage]int64
}

// NewMessageTrace seeds the seen_from_feed counter for msg.
func NewMessageTrace(run *RunTrace, msg core.ChatMessage) *MessageTrace {
	trace := &MessageTrace{
		StreamID: msg.StreamID,
		Author:   msg.Author,
		Snippet:  snippet(msg.Text),
		TraceID:  computeTraceID(msg.StreamID, msg.Timestamp, msg.Author, msg.Text),
		run:      run,
		counters: make(map[Stage]int64),
	}
	trace.IncCounter(StageSeenFromFeed)
	return trace
}

// IncCounter increments the counter for stage and returns the message-level value.
// A nil trace is a no-op.
func (t *MessageTrace) IncCounter(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	t.counters[stage]++
	n := t.counters[stage]
	t.mu.Unlock()

	if t.run != nil {
		t.run.inc(stage)
	}
	return n
}

// LogTrace logs the trace metadata and counters at debug level.
func (t *MessageTrace) LogTrace(logger *slog.Logger, msg string) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug(msg,
		"trace_id", t.TraceID,
		"video_id", t.StreamID,
		"author", t.Author,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *MessageTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func snippet(text string) string {
	r := []rune(text)
	if len(r) > 40 {
		return string(r[:40])
	}
	return text
}

// computeTraceID hashes the natural key so the same message traces identically
// across the log and the store.
func computeTraceID(streamID, timestamp, author, text string) string {
	digest := sha256.Sum256([]byte(streamID + "\x1f" + timestamp + "\x1f" + author + "\x1f" + text))
	return hex.EncodeToString(digest[:])
}
