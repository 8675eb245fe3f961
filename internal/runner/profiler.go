package runner

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/signalnine/credo/internal/gitops"
	"github.com/signalnine/credo/internal/model"
	"github.com/signalnine/credo/internal/result"
)

// Profiler adds performance data to a finished job's metadata.
type Profiler interface {
	Name() string
	Attach(run *model.Run, meta *result.JobMeta) error
}

// WallTimeProfiler records elapsed wall-clock time.
type WallTimeProfiler struct{}

func (WallTimeProfiler) Name() string { return "wallTime" }

func (WallTimeProfiler) Attach(_ *model.Run, meta *result.JobMeta) error {
	meta.PerfData["wallTime"] = strconv.FormatFloat(meta.WallTime().Seconds(), 'f', 3, 64)
	return nil
}

// OutputSizeProfiler records the bytes written to the output directory.
type OutputSizeProfiler struct{}

func (OutputSizeProfiler) Name() string { return "outputSize" }

func (OutputSizeProfiler) Attach(run *model.Run, meta *result.JobMeta) error {
	var total int64
	err := filepath.WalkDir(run.OutputDir(), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return err
	}
	meta.PerfData["outputBytes"] = strconv.FormatInt(total, 10)
	return nil
}

// Platform describes the machine running the harness and the revision of
// the model tree at basePath.
func Platform(basePath string) map[string]string {
	p := map[string]string{
		"os":     runtime.GOOS,
		"arch":   runtime.GOARCH,
		"numCPU": strconv.Itoa(runtime.NumCPU()),
	}
	if host, err := os.Hostname(); err == nil {
		p["hostname"] = host
	}
	if rev := gitops.Describe(basePath); rev != "" {
		p["revision"] = rev
	}
	return p
}
