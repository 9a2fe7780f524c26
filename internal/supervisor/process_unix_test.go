//go:build unix

package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

// TestHelperProcess is not a real test; it is the worker body spawned by the
// tests below.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("SUPERVISOR_HELPER")
	if mode == "" {
		return
	}
	if mode == "stubborn" {
		signal.Ignore(syscall.SIGINT)
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func helperSupervisor(t *testing.T, mode string, grace time.Duration) *Supervisor {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	return New(Options{
		Spawner: ExecSpawner{
			Env: append(os.Environ(), "SUPERVISOR_HELPER="+mode),
		},
		EntryPoints:  []string{exe},
		ExtraArgs:    []string{"-test.run=^TestHelperProcess$", "--"},
		LogDir:       t.TempDir(),
		GraceTimeout: grace,
		KillTimeout:  5 * time.Second,
	})
}

func TestExecWorkerStopsOnInterrupt(t *testing.T) {
	sup := helperSupervisor(t, "polite", 5*time.Second)
	res, err := sup.Start(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.PID <= 0 {
		t.Fatalf("bad pid %d", res.PID)
	}
	out, err := sup.Stop(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if out.Status != StatusStopped {
		t.Fatalf("expected stopped, got %+v", out)
	}
}

func TestExecWorkerKilledWhenIgnoringInterrupt(t *testing.T) {
	sup := helperSupervisor(t, "stubborn", 500*time.Millisecond)
	if _, err := sup.Start(context.Background(), "abc"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Let the helper install its signal disposition.
	time.Sleep(300 * time.Millisecond)
	out, err := sup.Stop(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if out.Status != StatusKilled {
		t.Fatalf("expected killed, got %+v", out)
	}
}
