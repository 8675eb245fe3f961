// Package gitops reads revision information from the simulation source tree
// so results can be traced to the code that produced them.
package gitops

import (
	"fmt"
	"os/exec"
	"strings"
)

// Revision returns the HEAD commit of the checkout containing dir.
func Revision(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD in %s: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Dirty reports whether the checkout has uncommitted changes, untracked
// files included.
func Dirty(dir string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status in %s: %w", dir, err)
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// Describe returns the revision, suffixed with "-dirty" when the tree has
// local changes, or "" when dir is not inside a git checkout.
func Describe(dir string) string {
	rev, err := Revision(dir)
	if err != nil {
		return ""
	}
	if dirty, err := Dirty(dir); err == nil && dirty {
		rev += "-dirty"
	}
	return rev
}
