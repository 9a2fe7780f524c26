package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
)

// Process is a spawned worker.
type Process interface {
	Pid() int
	// Signal delivers sig. It returns os.ErrProcessDone once the process has
	// exited.
	Signal(sig os.Signal) error
	// Done is closed after the process has exited and been reaped.
	Done() <-chan struct{}
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecSpawner starts workers as independent OS processes. Their output goes
// to Stdout and Stderr, which default to the supervisor's own.
type ExecSpawner struct {
	Stdout *os.File
	Stderr *os.File
	Env    []string
}

// Spawn ignores ctx once the process has started: a worker outlives the
// request that created it.
func (s ExecSpawner) Spawn(ctx context.Context, name string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// ExitErr is the result of waiting on the process, valid after Done.
func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}
