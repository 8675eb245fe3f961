package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/logging"
)

const pbsScript = `#!/bin/bash
#PBS -N {{ .Name | trunc 15 }}
{{- with .Batch.Queue }}
#PBS -q {{ . }}
{{- end }}
{{- with .Batch.NodeLine }}
#PBS -l {{ . }}
{{- end }}
{{- with .Batch.WallTime }}
#PBS -l walltime={{ . }}
{{- end }}
#PBS -o {{ .StdoutPath }}
#PBS -e {{ .StderrPath }}

cd {{ .Dir | squote }}
{{- range .Batch.SourceFiles }}
source {{ . | squote }}
{{- end }}
{{- range .Batch.Modules }}
module load {{ . }}
{{- end }}

{{ .Command | join " " }}
echo $? > {{ .ExitFile | squote }}
`

var pbsTemplate = template.Must(template.New("pbs").Funcs(sprig.TxtFuncMap()).Parse(pbsScript))

// CommandFunc runs an external scheduler command and returns its stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return out, fmt.Errorf("%s: %s: %w", name, strings.TrimSpace(string(ee.Stderr)), err)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// PBSLauncher submits jobs to a PBS/Torque queue. The generated script
// records the exit status beside the stdout log, which is how Poll learns
// the outcome once the scheduler forgets the job.
type PBSLauncher struct {
	Batch config.BatchOptions
	run   CommandFunc

	mu sync.Mutex
	// exitFiles maps job id to exit status file.
	exitFiles map[string]string
}

type PBSOption func(*PBSLauncher)

// WithCommandFunc replaces how qsub/qstat/qdel are invoked.
func WithCommandFunc(fn CommandFunc) PBSOption {
	return func(l *PBSLauncher) { l.run = fn }
}

func NewPBSLauncher(batch config.BatchOptions, opts ...PBSOption) *PBSLauncher {
	l := &PBSLauncher{Batch: batch, run: execCommand, exitFiles: map[string]string{}}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *PBSLauncher) Name() string { return "pbs" }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

type pbsScriptData struct {
	*Job
	Batch    config.BatchOptions
	ExitFile string
}

// RenderScript formats the batch script for job.
func RenderScript(job *Job, batch config.BatchOptions, exitFile string) (string, error) {
	var buf bytes.Buffer
	quoted := make([]string, len(job.Command))
	for i, a := range job.Command {
		quoted[i] = shellQuote(a)
	}
	j := *job
	j.Command = quoted
	if err := pbsTemplate.Execute(&buf, pbsScriptData{Job: &j, Batch: batch, ExitFile: exitFile}); err != nil {
		return "", fmt.Errorf("rendering batch script: %w", err)
	}
	return buf.String(), nil
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (l *PBSLauncher) Submit(ctx context.Context, job *Job) (string, error) {
	base := strings.TrimSuffix(job.StdoutPath, filepath.Ext(job.StdoutPath))
	exitFile := base + ".exit"
	scriptPath := base + ".pbs"
	os.Remove(exitFile)
	script, err := RenderScript(job, l.Batch, exitFile)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("writing batch script: %w", err)
	}
	out, err := l.run(ctx, orDefault(l.Batch.SubmitCmd, "qsub"), scriptPath)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("%s returned no job id", orDefault(l.Batch.SubmitCmd, "qsub"))
	}
	l.mu.Lock()
	l.exitFiles[id] = exitFile
	l.mu.Unlock()
	return id, nil
}

// Poll checks the exit status file first, then asks the scheduler whether
// the job still exists.
func (l *PBSLauncher) Poll(ctx context.Context, handle string) (Status, error) {
	l.mu.Lock()
	exitFile, ok := l.exitFiles[handle]
	l.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("unknown batch job %s", handle)
	}
	if data, err := os.ReadFile(exitFile); err == nil {
		code, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return Status{}, fmt.Errorf("batch job %s: parsing exit status: %w", handle, err)
		}
		l.forget(handle)
		return Status{Done: true, ExitCode: code}, nil
	}
	out, err := l.run(ctx, orDefault(l.Batch.StatusCmd, "qstat"), "-f", handle)
	if err != nil {
		return Status{}, fmt.Errorf("batch job %s left the queue without an exit status: %w", handle, err)
	}
	logging.Debug("Runner", "batch job %s state %s", handle, jobState(out))
	return Status{}, nil
}

// jobState extracts job_state from qstat -f output.
func jobState(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && strings.TrimSpace(k) == "job_state" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (l *PBSLauncher) Terminate(ctx context.Context, handle string) error {
	_, err := l.run(ctx, orDefault(l.Batch.CancelCmd, "qdel"), handle)
	l.forget(handle)
	return err
}

func (l *PBSLauncher) forget(handle string) {
	l.mu.Lock()
	delete(l.exitFiles, handle)
	l.mu.Unlock()
}
