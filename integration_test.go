//go:build integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/docker"
	"github.com/signalnine/credo/internal/report"
	"github.com/signalnine/credo/internal/result"
	"github.com/signalnine/credo/internal/runner"
	"github.com/signalnine/credo/internal/systest"
)

// fakeSimulation stands in for the simulation binary: it writes an
// analytic-error file into the directory given by --outputPath.
const fakeSimulation = `#!/bin/sh
for a in "$@"; do
  case "$a" in
    --outputPath=*) out="${a#--outputPath=}" ;;
  esac
done
mkdir -p "$out"
printf '#Timestep VelocityField1 VelocityField2\n1 0.001 0.002\n' > "$out/analytic.cvg"
echo "done"
`

// createModelDir lays out an input file and the fake executable.
func createModelDir(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "SolCx.xml"), []byte("<StGermainData/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	exe := filepath.Join(dir, "fake-stgermain.sh")
	if err := os.WriteFile(exe, []byte(fakeSimulation), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir, exe
}

func runAnalytic(t *testing.T, l runner.Launcher, env *config.Environment, base string) {
	t.Helper()
	resultsDir := t.TempDir()
	runDir, err := result.CreateRunDir(resultsDir)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}

	st := systest.NewAnalytic("solcx", []string{"SolCx.xml"}, 0.01, nil, "VelocityField")
	st.BasePath = base
	st.SimParams.NSteps = 1

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	jr := runner.New(l, env, runner.WithPollInterval(100*time.Millisecond))
	res := systest.Execute(ctx, st, jr, systest.ExecOpts{Dir: result.TestDir(runDir, "solcx"), Env: env})
	if res.Status != systest.Pass {
		t.Fatalf("status: got %s, want Pass (%s)", res.Status, res.Detail)
	}
	if _, err := os.Stat(res.RecordPath); err != nil {
		t.Errorf("record not written: %v", err)
	}
	if err := report.Generate(runDir, "table", os.Stdout); err != nil {
		t.Errorf("report: %v", err)
	}
}

func TestLocalAnalyticIntegration(t *testing.T) {
	base, exe := createModelDir(t)
	env := &config.Environment{Executable: exe, MPIRun: "mpirun"}
	runAnalytic(t, runner.NewLocalLauncher(), env, base)
}

func TestDockerAnalyticIntegration(t *testing.T) {
	if os.Getenv("CREDO_DOCKER_TESTS") == "" {
		t.Skip("set CREDO_DOCKER_TESTS=1 to run docker integration tests")
	}
	base, exe := createModelDir(t)
	l, err := docker.NewLauncher(config.DockerOptions{Image: "alpine:latest"})
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}
	defer l.Close()
	env := &config.Environment{Executable: exe, MPIRun: "mpirun", InContainer: true}
	runAnalytic(t, l, env, base)
}
