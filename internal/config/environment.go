package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Environment holds everything the harness takes from the process
// environment. It is built once by LoadEnvironment and passed explicitly to
// whatever needs it.
type Environment struct {
	// Executable is the simulation binary name or path (STG_EXEC).
	Executable string
	// BaseDir is a simulation build tree whose bin directories are searched
	// for Executable (STG_BASEDIR).
	BaseDir string
	// XMLSearchPaths are standard-library directories for input files
	// (STG_XML_PATH, colon separated).
	XMLSearchPaths []string
	// MPIRun is the parallel launcher (CREDO_MPI_RUN).
	MPIRun string
	// MPIArgs are extra launcher arguments (CREDO_MPI_ARGS, space separated).
	MPIArgs []string
	// InContainer marks Executable as a path inside the job container, so
	// it is not looked up on the host.
	InContainer bool
}

const defaultExecutable = "StGermain"

// LoadEnvironment reads the environment through getenv. Pass os.Getenv in
// production and a map lookup in tests.
func LoadEnvironment(getenv func(string) string) *Environment {
	env := &Environment{
		Executable: getenv("STG_EXEC"),
		BaseDir:    getenv("STG_BASEDIR"),
		MPIRun:     getenv("CREDO_MPI_RUN"),
	}
	if env.Executable == "" {
		env.Executable = defaultExecutable
	}
	if env.MPIRun == "" {
		env.MPIRun = "mpirun"
	}
	if p := getenv("STG_XML_PATH"); p != "" {
		for _, dir := range filepath.SplitList(p) {
			if dir != "" {
				env.XMLSearchPaths = append(env.XMLSearchPaths, dir)
			}
		}
	}
	if env.BaseDir != "" {
		env.XMLSearchPaths = append(env.XMLSearchPaths, filepath.Join(env.BaseDir, "lib", "StGermain"))
	}
	if a := getenv("CREDO_MPI_ARGS"); a != "" {
		env.MPIArgs = strings.Fields(a)
	}
	return env
}

// ResolveExecutable finds the simulation binary, first under BaseDir then on
// PATH.
func (e *Environment) ResolveExecutable() (string, error) {
	if e.InContainer {
		return e.Executable, nil
	}
	if filepath.IsAbs(e.Executable) {
		if _, err := os.Stat(e.Executable); err != nil {
			return "", fmt.Errorf("simulation executable %s: %w", e.Executable, err)
		}
		return e.Executable, nil
	}
	if e.BaseDir != "" {
		for _, sub := range []string{"bin", filepath.Join("build", "bin")} {
			cand := filepath.Join(e.BaseDir, sub, e.Executable)
			if info, err := os.Stat(cand); err == nil && !info.IsDir() {
				return cand, nil
			}
		}
	}
	path, err := exec.LookPath(e.Executable)
	if err != nil {
		hint := "set STG_EXEC to the binary path or STG_BASEDIR to the build tree"
		return "", fmt.Errorf("simulation executable %q not found under STG_BASEDIR=%q or on PATH (%s): %w", e.Executable, e.BaseDir, hint, err)
	}
	return path, nil
}

// FindInputFile resolves name relative to basePath, then in each XML search
// path. It returns the absolute path of the first match.
func (e *Environment) FindInputFile(name, basePath string) (string, bool) {
	cands := []string{name}
	if !filepath.IsAbs(name) {
		cands = []string{filepath.Join(basePath, name)}
		for _, dir := range e.XMLSearchPaths {
			cands = append(cands, filepath.Join(dir, name))
		}
	}
	for _, c := range cands {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(c)
			if err != nil {
				return c, true
			}
			return abs, true
		}
	}
	return "", false
}

// ParseEnvFile reads KEY=VALUE lines, ignoring blanks, comments and a
// leading "export ".
func ParseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	vars := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			continue
		}
		vars[strings.TrimSpace(s[:eq])] = stripQuotes(strings.TrimSpace(s[eq+1:]))
	}
	return vars, nil
}

// ApplyEnvFile exports the file's variables into the process environment
// without overriding ones already set. Call it before LoadEnvironment.
func ApplyEnvFile(path string) error {
	vars, err := ParseEnvFile(path)
	if err != nil {
		return err
	}
	for k, v := range vars {
		if os.Getenv(k) == "" {
			os.Setenv(k, v)
		}
	}
	return nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
