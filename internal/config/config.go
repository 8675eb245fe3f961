package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Test types accepted in the suite file.
const (
	TypeAnalytic         = "analytic"
	TypeReference        = "reference"
	TypeRestart          = "restart"
	TypeHighResReference = "highres_reference"
	TypeAnalyticMultiRes = "analytic_multires"
	TypeImageReference   = "image_reference"
	TypeSciBenchmark     = "sci_benchmark"
)

var validTypes = map[string]bool{
	TypeAnalytic:         true,
	TypeReference:        true,
	TypeRestart:          true,
	TypeHighResReference: true,
	TypeAnalyticMultiRes: true,
	TypeImageReference:   true,
	TypeSciBenchmark:     true,
}

type Config struct {
	Runner       Runner       `yaml:"runner"`
	Results      Results      `yaml:"results"`
	History      History      `yaml:"history"`
	Secrets      Secrets      `yaml:"secrets"`
	CriteriaFile string       `yaml:"criteria_file"`
	LogLevel     string       `yaml:"log_level"`
	Tests        []TestConfig `yaml:"tests"`
}

type Runner struct {
	// Type is one of mpi, pbs or docker.
	Type         string        `yaml:"type"`
	PollInterval string        `yaml:"poll_interval"`
	NonBlocking  bool          `yaml:"non_blocking"`
	Batch        BatchOptions  `yaml:"batch"`
	Docker       DockerOptions `yaml:"docker"`
}

// BatchOptions configure batch-queue submission.
type BatchOptions struct {
	Queue       string   `yaml:"queue"`
	NodeLine    string   `yaml:"node_line"`
	WallTime    string   `yaml:"wall_time"`
	SourceFiles []string `yaml:"source_files"`
	Modules     []string `yaml:"modules"`
	SubmitCmd   string   `yaml:"submit_cmd"`
	StatusCmd   string   `yaml:"status_cmd"`
	CancelCmd   string   `yaml:"cancel_cmd"`
}

type DockerOptions struct {
	Image    string  `yaml:"image"`
	CPUs     float64 `yaml:"cpus"`
	MemoryMB int64   `yaml:"memory_mb"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type History struct {
	DB string `yaml:"db"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

// Criterion mirrors convergence.Criterion so the config layer stays free of
// analysis imports.
type Criterion struct {
	Rate        float64 `yaml:"rate"`
	Correlation float64 `yaml:"correlation"`
}

type TestConfig struct {
	Name        string                 `yaml:"name"`
	Type        string                 `yaml:"type"`
	Description string                 `yaml:"description"`
	InputFiles  []string               `yaml:"input_files"`
	BasePath    string                 `yaml:"base_path"`
	NProc       int                    `yaml:"nproc"`
	Timeout     string                 `yaml:"timeout"`
	Params      map[string]interface{} `yaml:"params"`
	SolverOpts  string                 `yaml:"solver_opts"`
	NSteps      int                    `yaml:"nsteps"`
	StopTime    float64                `yaml:"stop_time"`

	// Field comparison.
	Fields          []string           `yaml:"fields"`
	Tolerance       float64            `yaml:"tolerance"`
	FieldTolerances map[string]float64 `yaml:"field_tolerances"`
	ExpectedPath    string             `yaml:"expected_path"`
	TestTimestep    int                `yaml:"test_timestep"`

	// Restart.
	FullRunSteps int `yaml:"full_run_steps"`

	// Resolution-driven tests.
	Resolution   []int                `yaml:"resolution"`
	HighResRatio int                  `yaml:"highres_ratio"`
	Resolutions  [][]int              `yaml:"resolutions"`
	Criteria     map[string]Criterion `yaml:"criteria"`

	// Images.
	Images          []string  `yaml:"images"`
	ImageTolerances []float64 `yaml:"image_tolerances"`

	// Benchmarks.
	Runs     []RunConfig     `yaml:"runs"`
	Variants []VariantConfig `yaml:"variants"`
	Combine  string          `yaml:"combine"`
	Ranges   []RangeConfig   `yaml:"ranges"`
}

type RunConfig struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	InputFiles  []string               `yaml:"input_files"`
	Params      map[string]interface{} `yaml:"params"`
	NSteps      int                    `yaml:"nsteps"`
	StopTime    float64                `yaml:"stop_time"`
	ExtraArgs   []string               `yaml:"extra_args"`
}

type VariantConfig struct {
	Name   string        `yaml:"name"`
	Param  string        `yaml:"param"`
	Values []interface{} `yaml:"values"`
}

// RangeConfig checks a reduced FrequentOutput column against bounds.
type RangeConfig struct {
	Name    string   `yaml:"name"`
	Column  string   `yaml:"column"`
	Reduce  string   `yaml:"reduce"`
	Arg     float64  `yaml:"arg"`
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	StepMin *int     `yaml:"step_min"`
	StepMax *int     `yaml:"step_max"`
}

// TimeoutDuration returns the per-run time limit; zero means unbounded.
func (t *TestConfig) TimeoutDuration() time.Duration {
	if t.Timeout == "" {
		return 0
	}
	d, _ := time.ParseDuration(t.Timeout)
	return d
}

func (r *Runner) PollIntervalDuration() time.Duration {
	if r.PollInterval == "" {
		return 2 * time.Second
	}
	d, _ := time.ParseDuration(r.PollInterval)
	return d
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Runner.Type == "" {
		cfg.Runner.Type = "mpi"
	}
	switch cfg.Runner.Type {
	case "mpi", "pbs", "docker":
	default:
		return fmt.Errorf("runner type %q: must be mpi, pbs or docker", cfg.Runner.Type)
	}
	if _, err := time.ParseDuration(orDefault(cfg.Runner.PollInterval, "2s")); err != nil {
		return fmt.Errorf("runner poll_interval: %w", err)
	}
	if cfg.Runner.Type == "docker" && cfg.Runner.Docker.Image == "" {
		return fmt.Errorf("runner docker.image is required for the docker runner")
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "output"
	}
	if len(cfg.Tests) == 0 {
		return fmt.Errorf("no tests defined")
	}
	seen := map[string]bool{}
	for i := range cfg.Tests {
		t := &cfg.Tests[i]
		if t.Name == "" {
			return fmt.Errorf("test %d: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("test %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
		if !validTypes[t.Type] {
			return fmt.Errorf("test %q: unknown type %q", t.Name, t.Type)
		}
		if len(t.InputFiles) == 0 && t.Type != TypeSciBenchmark {
			return fmt.Errorf("test %q: input_files is required", t.Name)
		}
		if t.NProc == 0 {
			t.NProc = 1
		}
		if t.NProc < 0 {
			return fmt.Errorf("test %q: nproc must be positive", t.Name)
		}
		if t.Timeout != "" {
			if _, err := time.ParseDuration(t.Timeout); err != nil {
				return fmt.Errorf("test %q: timeout: %w", t.Name, err)
			}
		}
		if t.BasePath == "" {
			t.BasePath = "."
		}
		if t.Combine == "" {
			t.Combine = "product"
		}
		if t.Combine != "product" && t.Combine != "zip" {
			return fmt.Errorf("test %q: combine must be product or zip", t.Name)
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// FindTest returns the named test configuration.
func (c *Config) FindTest(name string) (*TestConfig, error) {
	for i := range c.Tests {
		if c.Tests[i].Name == name {
			return &c.Tests[i], nil
		}
	}
	names := make([]string, len(c.Tests))
	for i, t := range c.Tests {
		names[i] = t.Name
	}
	return nil, fmt.Errorf("test %q not defined (tests: %v)", name, names)
}
