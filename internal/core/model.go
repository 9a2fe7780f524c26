package core

import (
	"strings"
	"time"
)

// TimestampLayout is the wall-clock format the feeds use for ChatMessage.Timestamp
// and the one the log reader parses back into epoch milliseconds.
const TimestampLayout = "2006-01-02 15:04:05"

// ChatMessage is one observed chat event, written once to the log and once to the store.
type ChatMessage struct {
	StreamID  string `json:"video_id" bson:"video_id"`
	Timestamp string `json:"datetime" bson:"datetime"`
	Author    string `json:"author" bson:"author"`
	Text      string `json:"message" bson:"message"`
	SuperChat string `json:"superChat" bson:"superChat"` // empty unless a paid highlighted message
}

// MessageKey is the natural key used to detect duplicates during reconciliation.
// The super chat amount is deliberately not part of it.
type MessageKey struct {
	StreamID  string
	Timestamp string
	Author    string
	Text      string
}

func (m ChatMessage) Key() MessageKey {
	return MessageKey{
		StreamID:  m.StreamID,
		Timestamp: m.Timestamp,
		Author:    m.Author,
		Text:      m.Text,
	}
}

// FormatTimestamp renders t the way feeds stamp messages.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// ParseTimestampMillis converts a stored timestamp back into epoch milliseconds.
func ParseTimestampMillis(raw string) (int64, error) {
	t, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(raw), time.Local)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// LogRecord is a display row read back from a log file.
type LogRecord struct {
	Datetime  string `json:"datetime"`
	Author    string `json:"author"`
	Message   string `json:"message"`
	SuperChat string `json:"superChat"`
}

// TimedRecord is a LogRecord enriched with its stream and a derived epoch-millisecond
// timestamp (0 when the textual timestamp does not parse).
type TimedRecord struct {
	LogRecord
	StreamID  string `json:"video_id"`
	Timestamp int64  `json:"timestamp"`
}

// CollectionName is the per-stream store collection.
func CollectionName(streamID string) string {
	return "messages_" + streamID
}
