// Package supervisor spawns, tracks and terminates collector workers, one per
// stream.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/oklog/ulid/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/chatlog"
	"github.com/you/livechat-collector/internal/core"
)

const (
	DefaultGraceTimeout = 5 * time.Second
	DefaultKillTimeout  = 2 * time.Second
)

// Stop outcomes reported in StopResult.Status.
const (
	StatusStarted = "started"
	StatusStopped = "stopped"
	StatusKilled  = "killed"
)

type Options struct {
	Spawner Spawner
	Clock   clock.Clock
	// EntryPoints are candidate worker binaries, tried in order.
	EntryPoints []string
	LogDir      string
	// ExtraArgs are passed to every worker ahead of the per-run flags.
	ExtraArgs    []string
	GraceTimeout time.Duration
	KillTimeout  time.Duration
	NewRunID     func() string
	Logger       *slog.Logger
}

type StartResult struct {
	Status   string  `json:"status"`
	PID      int     `json:"pid"`
	Filename *string `json:"filename"`
	RunID    string  `json:"run_id"`
}

type StopResult struct {
	Status  string `json:"status"`
	VideoID string `json:"video_id"`
	Detail  string `json:"detail,omitempty"`
}

// Supervisor owns the stream -> worker table. At most one worker is tracked
// per stream; starting a stream that is already tracked replaces the entry
// without stopping the old worker.
type Supervisor struct {
	opts Options

	mu    sync.Mutex
	procs map[string]*handle
	runs  map[string]*Run
}

type handle struct {
	proc  Process
	runID string
}

func New(opts Options) *Supervisor {
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = DefaultGraceTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	if opts.NewRunID == nil {
		opts.NewRunID = func() string { return ulid.Make().String() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		opts:  opts,
		procs: make(map[string]*handle),
		runs:  make(map[string]*Run),
	}
}

// ValidStreamID rejects ids that cannot be embedded in a file name.
func ValidStreamID(streamID string) error {
	if strings.TrimSpace(streamID) == "" {
		return pkgerrors.Wrap(core.ErrInvalidInput, "video_id is required")
	}
	if strings.ContainsAny(streamID, `/\`) || strings.Contains(streamID, "..") {
		return pkgerrors.Wrapf(core.ErrInvalidInput, "invalid video_id %q", streamID)
	}
	return nil
}

func (s *Supervisor) entryPoint() (string, error) {
	for _, candidate := range s.opts.EntryPoints {
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", pkgerrors.Wrapf(core.ErrConfiguration, "collector entry point not found (tried %s)", strings.Join(s.opts.EntryPoints, ", "))
}

// Start spawns a worker for streamID. The worker is told its run id and log
// file, so the returned filename is exact rather than discovered.
func (s *Supervisor) Start(ctx context.Context, streamID string) (StartResult, error) {
	if err := ValidStreamID(streamID); err != nil {
		return StartResult{}, err
	}
	entry, err := s.entryPoint()
	if err != nil {
		log.Printf("supervisor: %v", err)
		return StartResult{}, err
	}

	now := s.opts.Clock.Now()
	runID := s.opts.NewRunID()
	filename := chatlog.FileName(streamID, now)
	path := filepath.Join(s.opts.LogDir, filename)

	args := append([]string(nil), s.opts.ExtraArgs...)
	args = append(args, "-run-id", runID, "-log-file", path, streamID)

	proc, err := s.opts.Spawner.Spawn(ctx, entry, args...)
	if err != nil {
		log.Printf("supervisor: spawn %s for %s failed: %v", entry, streamID, err)
		return StartResult{}, pkgerrors.Wrapf(core.ErrProcessSpawn, "failed to start collector for video_id '%s': %v", streamID, err)
	}

	run := &Run{
		RunID:     runID,
		StreamID:  streamID,
		Filename:  filename,
		Path:      path,
		PID:       proc.Pid(),
		StartedAt: now,
		State:     RunRunning,
	}

	s.mu.Lock()
	if prev, ok := s.procs[streamID]; ok {
		s.opts.Logger.Warn("overwriting tracked collector; previous worker keeps running untracked",
			"video_id", streamID, "previous_pid", prev.proc.Pid(), "pid", proc.Pid())
		if r := s.runs[prev.runID]; r != nil && r.State == RunRunning {
			r.State = RunReplaced
		}
	}
	s.procs[streamID] = &handle{proc: proc, runID: runID}
	s.runs[runID] = run
	s.mu.Unlock()

	go s.watch(runID, proc)

	s.opts.Logger.Info("collector started", "video_id", streamID, "pid", proc.Pid(), "run_id", runID, "log_file", path)
	return StartResult{Status: StatusStarted, PID: proc.Pid(), Filename: &filename, RunID: runID}, nil
}

// watch records a worker that exits on its own. The table entry stays until
// Stop, matching a process that vanished under the supervisor.
func (s *Supervisor) watch(runID string, proc Process) {
	<-proc.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	if r == nil || r.State != RunRunning {
		return
	}
	r.State = RunExited
	t := s.opts.Clock.Now()
	r.EndedAt = &t
	if ee, ok := proc.(interface{ ExitErr() error }); ok && ee.ExitErr() != nil {
		r.ExitError = ee.ExitErr().Error()
	}
	log.Printf("supervisor: collector for %s (pid %d) exited on its own", r.StreamID, r.PID)
}

// Stop terminates the tracked worker for streamID: interrupt, wait up to the
// grace timeout, kill, wait up to the kill timeout.
//
// A worker found already gone is removed and reported as core.ErrNotFound. A
// failed signal or a worker that survives the kill is reported as
// core.ErrFatalStop and stays in the table.
func (s *Supervisor) Stop(ctx context.Context, streamID string) (StopResult, error) {
	s.mu.Lock()
	h, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return StopResult{}, pkgerrors.Wrapf(core.ErrNotFound, "collector process for video_id '%s' not found or not running", streamID)
	}
	pid := h.proc.Pid()

	err := h.proc.Signal(os.Interrupt)
	if errors.Is(err, os.ErrProcessDone) {
		log.Printf("supervisor: collector for %s (pid %d) already gone", streamID, pid)
		s.forget(streamID, h, RunExited)
		return StopResult{}, pkgerrors.Wrapf(core.ErrNotFound, "collector process for video_id '%s' (pid %d) no longer exists", streamID, pid)
	}
	if err != nil {
		log.Printf("supervisor: interrupt %s (pid %d) failed: %v", streamID, pid, err)
		return StopResult{}, pkgerrors.Wrapf(core.ErrFatalStop, "failed to signal collector for video_id '%s': %v", streamID, err)
	}
	log.Printf("supervisor: sent interrupt to %s (pid %d)", streamID, pid)

	select {
	case <-h.proc.Done():
		log.Printf("supervisor: collector for %s (pid %d) stopped", streamID, pid)
		s.forget(streamID, h, RunStopped)
		return StopResult{Status: StatusStopped, VideoID: streamID}, nil
	case <-s.opts.Clock.After(s.opts.GraceTimeout):
	}

	log.Printf("supervisor: %s (pid %d) ignored interrupt for %s; killing", streamID, pid, s.opts.GraceTimeout)
	err = h.proc.Signal(os.Kill)
	if errors.Is(err, os.ErrProcessDone) {
		log.Printf("supervisor: collector for %s (pid %d) vanished before kill", streamID, pid)
		s.forget(streamID, h, RunExited)
		return StopResult{}, pkgerrors.Wrapf(core.ErrNotFound, "collector process for video_id '%s' (pid %d) no longer exists", streamID, pid)
	}
	if err != nil {
		log.Printf("supervisor: kill %s (pid %d) failed: %v", streamID, pid, err)
		return StopResult{}, pkgerrors.Wrapf(core.ErrFatalStop, "failed to kill collector for video_id '%s': %v", streamID, err)
	}

	select {
	case <-h.proc.Done():
		log.Printf("supervisor: collector for %s (pid %d) killed", streamID, pid)
		s.forget(streamID, h, RunKilled)
		return StopResult{
			Status:  StatusKilled,
			VideoID: streamID,
			Detail:  fmt.Sprintf("collector process for video_id '%s' did not stop gracefully and was killed", streamID),
		}, nil
	case <-s.opts.Clock.After(s.opts.KillTimeout):
		log.Printf("supervisor: %s (pid %d) still running %s after kill", streamID, pid, s.opts.KillTimeout)
		return StopResult{}, pkgerrors.Wrapf(core.ErrFatalStop, "collector for video_id '%s' (pid %d) did not exit after kill", streamID, pid)
	}
}

// forget removes the table entry if it still refers to h, so a concurrent
// Start for the same stream is not lost.
func (s *Supervisor) forget(streamID string, h *handle, state RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.procs[streamID]; ok && cur == h {
		delete(s.procs, streamID)
	}
	if r := s.runs[h.runID]; r != nil {
		if r.State == RunRunning || r.State == RunExited {
			r.State = state
		}
		if r.EndedAt == nil {
			t := s.opts.Clock.Now()
			r.EndedAt = &t
		}
	}
}

// List returns a snapshot of stream -> pid.
func (s *Supervisor) List() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.procs))
	for id, h := range s.procs {
		out[id] = h.proc.Pid()
	}
	return out
}

// StopOutcome is one entry of StopAll's report.
type StopOutcome struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	err    error
}

func (o StopOutcome) Err() error { return o.err }

// StopAll stops every tracked worker concurrently.
func (s *Supervisor) StopAll(ctx context.Context) map[string]StopOutcome {
	ids := make([]string, 0)
	for id := range s.List() {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]StopOutcome, len(ids))
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := s.Stop(ctx, id)
			o := StopOutcome{Status: res.Status, Detail: res.Detail, err: err}
			if err != nil {
				o.Status = "error"
				if errors.Is(err, core.ErrNotFound) {
					o.Status = "not_found"
				}
				o.Detail = err.Error()
			}
			mu.Lock()
			out[id] = o
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}
