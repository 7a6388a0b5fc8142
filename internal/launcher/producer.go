package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Spec is everything needed to start one HM6 process.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is a started child. Stdout and Stderr must be read to EOF before
// Wait is called.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait returns the exit code. A non-nil error means the code is
	// meaningless (the process could not be waited on).
	Wait() (int, error)
}

// Producer starts processes. ExecProducer runs real binaries; tests and dev
// mode substitute synthetic ones.
type Producer interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ExecProducer starts real child processes.
type ExecProducer struct{}

// Start spawns spec.Path. ctx is not bound to the child's lifetime: a query
// runs to completion even if the request that started it goes away.
func (ExecProducer) Start(_ context.Context, spec Spec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed by a signal reports -1, which still counts as a failure.
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
