// Package docker runs simulation jobs inside containers on a Docker Engine.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/logging"
	"github.com/signalnine/credo/internal/runner"
)

// Launcher starts each job as a container from one image. Job directories
// are bind-mounted at the same paths so command lines work unchanged.
type Launcher struct {
	opts config.DockerOptions
	cli  *client.Client

	mu   sync.Mutex
	jobs map[string]*containerJob
}

type containerJob struct {
	job    *runner.Job
	cancel context.CancelFunc
	done   chan struct{}
	code   int
	err    error
}

func NewLauncher(opts config.DockerOptions) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Launcher{opts: opts, cli: cli, jobs: map[string]*containerJob{}}, nil
}

func (l *Launcher) Name() string { return "docker" }

func (l *Launcher) Close() error { return l.cli.Close() }

func (l *Launcher) Submit(ctx context.Context, job *runner.Job) (string, error) {
	var mounts []mount.Mount
	seen := map[string]bool{}
	for _, dir := range job.Mounts {
		if seen[dir] {
			continue
		}
		seen[dir] = true
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: dir, Target: dir})
	}
	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if l.opts.CPUs > 0 {
		hostCfg.NanoCPUs = int64(l.opts.CPUs * 1e9)
	}
	if l.opts.MemoryMB > 0 {
		hostCfg.Memory = l.opts.MemoryMB * 1024 * 1024
	}
	containerCfg := &container.Config{
		Image:      l.opts.Image,
		Cmd:        job.Command,
		Env:        job.Env,
		WorkingDir: job.Dir,
		// A TTY keeps the log stream unmultiplexed.
		Tty:    true,
		User:   fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Labels: map[string]string{"credo": "true", "credo.run": job.Name},
	}

	createResp, err := l.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	id := createResp.ID
	if _, err := l.cli.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		l.remove(id)
		return "", fmt.Errorf("starting container: %w", err)
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	cj := &containerJob{job: job, cancel: cancel, done: make(chan struct{})}
	l.mu.Lock()
	l.jobs[id] = cj
	l.mu.Unlock()
	go l.wait(waitCtx, id, cj)
	return id, nil
}

func (l *Launcher) wait(ctx context.Context, id string, cj *containerJob) {
	defer close(cj.done)
	waitResult := l.cli.ContainerWait(ctx, id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	select {
	case err := <-waitResult.Error:
		cj.code = -1
		cj.err = err
	case status := <-waitResult.Result:
		cj.code = int(status.StatusCode)
	}
	if err := l.saveLogs(id, cj.job); err != nil {
		logging.Warn("Docker", "saving logs of %s: %v", cj.job.Name, err)
	}
	l.remove(id)
}

// saveLogs copies the container's combined output to the job's stdout log;
// the stderr log is left empty because the TTY merges both streams.
func (l *Launcher) saveLogs(id string, job *runner.Job) error {
	logReader, err := l.cli.ContainerLogs(context.Background(), id, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer logReader.Close()
	out, err := os.Create(job.StdoutPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, logReader); err != nil {
		return err
	}
	return os.WriteFile(job.StderrPath, nil, 0o644)
}

func (l *Launcher) remove(id string) {
	if _, err := l.cli.ContainerRemove(context.Background(), id, client.ContainerRemoveOptions{Force: true}); err != nil {
		logging.Debug("Docker", "removing container %s: %v", id, err)
	}
}

func (l *Launcher) lookup(id string) (*containerJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cj, ok := l.jobs[id]
	if !ok {
		return nil, fmt.Errorf("no container job %s", id)
	}
	return cj, nil
}

func (l *Launcher) Poll(_ context.Context, id string) (runner.Status, error) {
	cj, err := l.lookup(id)
	if err != nil {
		return runner.Status{}, err
	}
	select {
	case <-cj.done:
		l.mu.Lock()
		delete(l.jobs, id)
		l.mu.Unlock()
		if cj.err != nil {
			return runner.Status{Done: true, ExitCode: cj.code}, fmt.Errorf("waiting for container: %w", cj.err)
		}
		return runner.Status{Done: true, ExitCode: cj.code}, nil
	default:
		return runner.Status{}, nil
	}
}

// Terminate kills the container; the wait goroutine then saves its logs
// and removes it.
func (l *Launcher) Terminate(ctx context.Context, id string) error {
	cj, err := l.lookup(id)
	if err != nil {
		return err
	}
	if _, err := l.cli.ContainerKill(ctx, id, client.ContainerKillOptions{Signal: "SIGTERM"}); err != nil {
		cj.cancel()
		return fmt.Errorf("killing container: %w", err)
	}
	<-cj.done
	l.mu.Lock()
	delete(l.jobs, id)
	l.mu.Unlock()
	return nil
}
