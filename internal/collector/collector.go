// Package collector runs the ingestion loop of one worker: it reads a chat
// feed for a single stream and pushes every message through a sink.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/ingesttrace"
	"github.com/you/livechat-collector/internal/sink"
)

// Feed yields chat events until the stream ends (nil) or ctx is cancelled.
type Feed interface {
	Run(ctx context.Context) error
}

// FeedFactory builds a feed that reports each event to handle.
type FeedFactory func(handle func(core.ChatMessage)) (Feed, error)

type Options struct {
	StreamID string
	RunID    string
	Sink     sink.Writer
	NewFeed  FeedFactory
	// Out receives one human-readable line per message. Nil means stdout.
	Out    io.Writer
	Logger *slog.Logger
}

type Collector struct {
	opts  Options
	trace *ingesttrace.RunTrace

	outMu sync.Mutex
}

func New(opts Options) (*Collector, error) {
	if opts.StreamID == "" {
		return nil, errors.New("collector: stream id is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("collector: sink is required")
	}
	if opts.NewFeed == nil {
		return nil, errors.New("collector: feed factory is required")
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Collector{
		opts:  opts,
		trace: ingesttrace.NewRunTrace(opts.StreamID, opts.RunID),
	}, nil
}

func (c *Collector) Trace() *ingesttrace.RunTrace { return c.trace }

// Run blocks until the feed ends or ctx is cancelled. Cancellation is the
// normal way to stop a worker and is not reported as an error.
func (c *Collector) Run(ctx context.Context) error {
	feed, err := c.opts.NewFeed(c.handle)
	if err != nil {
		return fmt.Errorf("collector: build feed: %w", err)
	}

	c.opts.Logger.Info("collector started", "video_id", c.opts.StreamID, "run_id", c.opts.RunID)
	err = feed.Run(ctx)
	defer c.trace.LogSummary(c.opts.Logger, "collector finished")

	switch {
	case err == nil:
		c.opts.Logger.Info("feed ended", "video_id", c.opts.StreamID)
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		c.opts.Logger.Info("collector interrupted", "video_id", c.opts.StreamID)
		return nil
	default:
		return fmt.Errorf("collector: feed: %w", err)
	}
}

func (c *Collector) handle(msg core.ChatMessage) {
	if msg.StreamID == "" {
		msg.StreamID = c.opts.StreamID
	}
	trace := ingesttrace.NewMessageTrace(c.trace, msg)
	// Sink failures are logged by the sink and counted on the trace; the loop
	// keeps going either way.
	_ = c.opts.Sink.Write(msg, trace)
	trace.LogTrace(c.opts.Logger, "message written")

	c.outMu.Lock()
	fmt.Fprintln(c.opts.Out, FormatLine(msg))
	c.outMu.Unlock()
}

// FormatLine renders msg as `<datetime> [<author>] - <text>` with a
// ` (Superchat: <amount>)` suffix for paid messages.
func FormatLine(msg core.ChatMessage) string {
	line := fmt.Sprintf("%s [%s] - %s", msg.Timestamp, msg.Author, msg.Text)
	if msg.SuperChat != "" {
		line += " (Superchat: " + msg.SuperChat + ")"
	}
	return line
}
