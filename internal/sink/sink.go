package sink

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/ingesttrace"
	"github.com/you/livechat-collector/internal/store"
)

// Writer is the write path consumed by the ingestion loop.
type Writer interface {
	Write(core.ChatMessage, *ingesttrace.MessageTrace) error
}

// LogAppender is the row-oriented log side of a MessageSink.
type LogAppender interface {
	Append(core.ChatMessage) error
}

const defaultStoreTimeout = 10 * time.Second

// MessageSink writes every message to a log and a store. The two writes are
// independent: a failure on one side is logged and reported, and never stops
// the other side from being attempted. A message can therefore end up in only
// one of the two targets.
type MessageSink struct {
	mu           sync.Mutex
	log          LogAppender
	store        store.Store
	collection   string
	storeTimeout time.Duration
}

type Options struct {
	// StoreTimeout bounds each store insert. Zero means 10s.
	StoreTimeout time.Duration
}

// NewMessageSink writes to logw and to the streamID collection of st. Either
// target may be nil, in which case it is skipped.
func NewMessageSink(logw LogAppender, st store.Store, streamID string, opts Options) *MessageSink {
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &MessageSink{
		log:          logw,
		store:        st,
		collection:   core.CollectionName(streamID),
		storeTimeout: timeout,
	}
}

func (s *MessageSink) Write(msg core.ChatMessage, trace *ingesttrace.MessageTrace) error {
	// Serialises appends to the shared log file descriptor.
	s.mu.Lock()
	defer s.mu.Unlock()

	var logErr, storeErr error
	if s.log != nil {
		if logErr = s.log.Append(msg); logErr != nil {
			log.Printf("sink: log append failed video_id=%s author=%q: %v", msg.StreamID, msg.Author, logErr)
			trace.IncCounter(ingesttrace.StageDropped("log"))
		} else {
			trace.IncCounter(ingesttrace.StageWrittenToLog)
		}
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
		storeErr = s.store.Insert(ctx, s.collection, msg)
		cancel()
		if storeErr != nil {
			log.Printf("sink: store insert failed collection=%s author=%q: %v", s.collection, msg.Author, storeErr)
			trace.IncCounter(ingesttrace.StageDropped("store"))
			storeErr = errors.Join(core.ErrStore, storeErr)
		} else {
			trace.IncCounter(ingesttrace.StageWrittenToStore)
		}
	}
	return errors.Join(logErr, storeErr)
}
