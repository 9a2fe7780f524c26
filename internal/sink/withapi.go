package sink

import (
	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/ingesttrace"
)

type broadcaster interface {
	Broadcast(core.ChatMessage)
}

// WithBroadcast forwards each message to a live listener after the base
// writer accepted it. Partial sink failures still broadcast.
type WithBroadcast struct {
	base Writer
	api  broadcaster
}

func WithAPI(base Writer, api broadcaster) *WithBroadcast {
	return &WithBroadcast{base: base, api: api}
}

func (w *WithBroadcast) Write(msg core.ChatMessage, trace *ingesttrace.MessageTrace) error {
	err := w.base.Write(msg, trace)
	if w.api != nil {
		w.api.Broadcast(msg)
	}
	return err
}
