package supervisor

import (
	"sort"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/core"
)

type RunState string

const (
	RunRunning  RunState = "running"
	RunStopped  RunState = "stopped"
	RunKilled   RunState = "killed"
	RunExited   RunState = "exited"
	RunReplaced RunState = "replaced"
)

// Run is one collection run. Runs outlive their workers so later queries can
// address a run's log file by id.
type Run struct {
	RunID     string     `json:"run_id"`
	StreamID  string     `json:"video_id"`
	Filename  string     `json:"filename"`
	Path      string     `json:"-"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	State     RunState   `json:"state"`
	ExitError string     `json:"exit_error,omitempty"`
}

// Runs returns every known run, oldest first.
func (s *Supervisor) Runs() []Run {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// RunFile returns the log path of runID, which must belong to streamID.
func (s *Supervisor) RunFile(streamID, runID string) (string, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok || r.StreamID != streamID {
		return "", pkgerrors.Wrapf(core.ErrNotFound, "run '%s' not found for video_id '%s'", runID, streamID)
	}
	return r.Path, nil
}

// Lookup returns a copy of run runID.
func (s *Supervisor) Lookup(runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, pkgerrors.Wrapf(core.ErrNotFound, "run '%s' not found", runID)
	}
	return *r, nil
}
