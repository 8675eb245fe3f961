package convergence

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const lengthScaleKey = "lengthscale:"

var resToken = regexp.MustCompile(`(?i)res([0-9]+)((?:x[0-9]+)*)`)

// ResolutionOf returns the characteristic length scale of the run that wrote
// the convergence file at path. A "# lengthScale: <v>" metadata line wins;
// otherwise the file name must carry a "res<N>[x<M>...]" token and the
// length scale is 1/N.
func ResolutionOf(path string) (float64, error) {
	if ls, ok, err := lengthScaleFromMetadata(path); err != nil {
		return 0, err
	} else if ok {
		return ls, nil
	}
	m := resToken.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, fmt.Errorf("%s: no lengthScale metadata and no res<N> token in file name", path)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid resolution %q", path, m[1])
	}
	return 1 / float64(n), nil
}

func lengthScaleFromMetadata(path string) (float64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("opening convergence file: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, headerMarker) {
			break
		}
		fields := strings.Fields(strings.TrimPrefix(line, headerMarker))
		if len(fields) == 2 && strings.ToLower(fields[0]) == lengthScaleKey {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil || v <= 0 {
				return 0, false, fmt.Errorf("%s: invalid lengthScale %q", path, fields[1])
			}
			return v, true, nil
		}
	}
	return 0, false, sc.Err()
}
