// Package tail follows the log directory and publishes rows as collectors
// append them.
package tail

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/chatlog"
	"github.com/you/livechat-collector/internal/core"
)

const (
	defaultDebounce = 100 * time.Millisecond
	subscriberQueue = 256
)

// Event is one row appended to a stream's log file.
type Event struct {
	StreamID string         `json:"video_id"`
	File     string         `json:"file"`
	Record   core.LogRecord `json:"record"`
}

// Follower tails every log file in Dir. Rows present before Run starts are
// not replayed.
type Follower struct {
	Dir      string
	Debounce time.Duration

	mu      sync.Mutex
	offsets map[string]int64
	subs    map[string]map[*subscription]struct{}
	dropped uint64
	ready   chan struct{}
}

type subscription struct {
	ch chan Event
}

func New(dir string) *Follower {
	return &Follower{
		Dir:     dir,
		offsets: make(map[string]int64),
		subs:    make(map[string]map[*subscription]struct{}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run is watching the directory.
func (f *Follower) Ready() <-chan struct{} { return f.ready }

// Subscribe registers for streamID's rows, or every stream's when streamID is
// empty. The returned cancel func must be called to release the subscription;
// it closes the channel.
func (f *Follower) Subscribe(streamID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriberQueue)}
	f.mu.Lock()
	if f.subs[streamID] == nil {
		f.subs[streamID] = make(map[*subscription]struct{})
	}
	f.subs[streamID][sub] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[streamID], sub)
			if len(f.subs[streamID]) == 0 {
				delete(f.subs, streamID)
			}
			f.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of live subscriptions across all streams.
func (f *Follower) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		n += len(s)
	}
	return n
}

// Dropped counts events discarded because a subscriber fell behind.
func (f *Follower) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Run watches Dir until ctx is done. The directory is created if missing.
func (f *Follower) Run(ctx context.Context) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", f.Dir)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	defer w.Close()
	if err := w.Add(f.Dir); err != nil {
		return errors.Wrapf(err, "watch %s", f.Dir)
	}
	f.seed()
	close(f.ready)

	wait := f.Debounce
	if wait <= 0 {
		wait = defaultDebounce
	}
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !chatlog.IsLogFile(name) {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				f.mu.Lock()
				delete(f.offsets, name)
				f.mu.Unlock()
				delete(pending, name)
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending[name] = struct{}{}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(wait)
			}
		case <-debounce.C:
			for name := range pending {
				f.drain(name)
			}
			clear(pending)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("tail: watch error", "err", err)
		}
	}
}

// seed starts existing files at their current end.
func (f *Follower) seed() {
	names, err := chatlog.ListLogFiles(f.Dir)
	if err != nil {
		slog.Warn("tail: list log files", "err", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range names {
		if info, err := os.Stat(filepath.Join(f.Dir, name)); err == nil {
			f.offsets[name] = info.Size()
		}
	}
}

// drain reads the complete rows appended to name since the last drain.
func (f *Follower) drain(name string) {
	streamID, ok := chatlog.StreamOf(name)
	if !ok {
		return
	}
	path := filepath.Join(f.Dir, name)
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return
	}

	f.mu.Lock()
	off := f.offsets[name]
	f.mu.Unlock()
	if info.Size() < off {
		// truncated or replaced
		off = 0
	}
	if info.Size() == off {
		return
	}
	chunk, err := io.ReadAll(io.NewSectionReader(file, off, info.Size()-off))
	if err != nil {
		slog.Warn("tail: read", "file", name, "err", err)
		return
	}
	rows, consumed := chatlog.DecodeAppended(chunk)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets[name] = off + consumed
	for _, rec := range rows {
		ev := Event{StreamID: streamID, File: name, Record: rec}
		for _, key := range [2]string{streamID, ""} {
			for sub := range f.subs[key] {
				select {
				case sub.ch <- ev:
				default:
					f.dropped++
				}
			}
		}
	}
}
