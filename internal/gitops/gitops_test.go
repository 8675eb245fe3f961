package gitops_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/credo/internal/gitops"
)

func createTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
	os.WriteFile(filepath.Join(dir, "Model.xml"), []byte("<x/>"), 0o644)
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial"},
	} {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
	return dir
}

func TestRevision(t *testing.T) {
	repo := createTestRepo(t)
	rev, err := gitops.Revision(repo)
	if err != nil {
		t.Fatalf("Revision: %v", err)
	}
	if len(rev) != 40 {
		t.Errorf("expected 40-char sha, got %q", rev)
	}
}

func TestDescribeDirty(t *testing.T) {
	repo := createTestRepo(t)
	if got := gitops.Describe(repo); strings.HasSuffix(got, "-dirty") {
		t.Errorf("clean tree described as %q", got)
	}
	os.WriteFile(filepath.Join(repo, "Model.xml"), []byte("<y/>"), 0o644)
	if got := gitops.Describe(repo); !strings.HasSuffix(got, "-dirty") {
		t.Errorf("modified tree described as %q", got)
	}
}

func TestDescribeOutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	if got := gitops.Describe(t.TempDir()); got != "" {
		t.Errorf("expected empty revision outside a checkout, got %q", got)
	}
}
