package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Job is what a launcher needs to start one simulation process.
type Job struct {
	Name    string
	Command []string
	// Dir is the working directory of the process.
	Dir string
	// Env is the full process environment; nil inherits the harness's.
	Env        []string
	StdoutPath string
	StderrPath string
	// Mounts lists host directories the job reads or writes, for backends
	// that isolate the filesystem.
	Mounts []string
}

// Status is a launcher's view of a job.
type Status struct {
	Done     bool
	ExitCode int
}

// Launcher is the backend contract: start a job, poll it, stop it.
type Launcher interface {
	Name() string
	Submit(ctx context.Context, job *Job) (handle string, err error)
	Poll(ctx context.Context, handle string) (Status, error)
	Terminate(ctx context.Context, handle string) error
}

// TerminateGrace is how long LocalLauncher waits after SIGTERM before
// killing the process.
var TerminateGrace = 5 * time.Second

// LocalLauncher runs jobs as child processes of the harness.
type LocalLauncher struct {
	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd  *exec.Cmd
	done chan struct{}
	code int
	err  error
}

func NewLocalLauncher() *LocalLauncher {
	return &LocalLauncher{procs: map[string]*localProc{}}
}

func (l *LocalLauncher) Name() string { return "mpi" }

func (l *LocalLauncher) Submit(_ context.Context, job *Job) (string, error) {
	if len(job.Command) == 0 {
		return "", errors.New("empty command")
	}
	stdout, err := os.Create(job.StdoutPath)
	if err != nil {
		return "", fmt.Errorf("creating stdout log: %w", err)
	}
	stderr, err := os.Create(job.StderrPath)
	if err != nil {
		stdout.Close()
		return "", fmt.Errorf("creating stderr log: %w", err)
	}
	cmd := exec.Command(job.Command[0], job.Command[1:]...)
	cmd.Dir = job.Dir
	cmd.Env = job.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", err
	}
	p := &localProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code = -1
			p.err = err
		}
		close(p.done)
	}()
	handle := strconv.Itoa(cmd.Process.Pid)
	l.mu.Lock()
	l.procs[handle] = p
	l.mu.Unlock()
	return handle, nil
}

func (l *LocalLauncher) proc(handle string) (*localProc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[handle]
	if !ok {
		return nil, fmt.Errorf("no local job with pid %s", handle)
	}
	return p, nil
}

func (l *LocalLauncher) Poll(_ context.Context, handle string) (Status, error) {
	p, err := l.proc(handle)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-p.done:
		l.mu.Lock()
		delete(l.procs, handle)
		l.mu.Unlock()
		if p.err != nil {
			return Status{Done: true, ExitCode: p.code}, fmt.Errorf("waiting for pid %s: %w", handle, p.err)
		}
		return Status{Done: true, ExitCode: p.code}, nil
	default:
		return Status{}, nil
	}
}

// Terminate sends SIGTERM, then SIGKILL if the process outlives
// TerminateGrace.
func (l *LocalLauncher) Terminate(_ context.Context, handle string) error {
	p, err := l.proc(handle)
	if err != nil {
		return err
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		return fmt.Errorf("signalling pid %s: %w", handle, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(TerminateGrace):
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("killing pid %s: %w", handle, err)
		}
		<-p.done
		return nil
	}
}
