package chatlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/core"
)

// Writer appends chat messages to one log file. Every row is flushed before
// Append returns so followers see it immediately.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
	csv  *csv.Writer
}

// Create opens path for appending, creating parent directories and writing
// the header when the file is new or empty.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat log")
	}
	w := &Writer{path: path, f: f, csv: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := w.writeRow(Header); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "write header")
		}
	}
	return w, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Append(msg core.ChatMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errors.New("log writer closed")
	}
	return errors.Wrap(w.writeRow([]string{msg.Timestamp, msg.Author, msg.Text, msg.SuperChat}), "append row")
}

func (w *Writer) writeRow(row []string) error {
	if err := w.csv.Write(row); err != nil {
		return err
	}
	w.csv.Flush()
	return w.csv.Error()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	w.csv.Flush()
	flushErr := w.csv.Error()
	closeErr := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
