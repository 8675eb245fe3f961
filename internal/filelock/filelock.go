// Package filelock serializes writers of result records and fixture
// directories across harness processes.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is an advisory lock held on a sidecar file.
type Lock struct {
	f *flock.Flock
}

// New returns an unheld lock on path. The parent directory is created when
// the lock is first taken.
func New(path string) *Lock {
	return &Lock{f: flock.New(path)}
}

// TryLock takes the lock if it is free and reports whether it did.
func (l *Lock) TryLock() (bool, error) {
	return l.take(l.f.TryLock)
}

func (l *Lock) Unlock() error {
	if err := l.f.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.f.Path(), err)
	}
	return nil
}

func (l *Lock) take(fn func() (bool, error)) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.f.Path()), 0o755); err != nil {
		return false, err
	}
	ok, err := fn()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.f.Path(), err)
	}
	return ok, nil
}

// AtomicWrite replaces path with data via a rename, so readers see either
// the old contents or the new ones.
func AtomicWrite(path string, data []byte) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LockAndWrite is AtomicWrite under path+".lock", waiting for any other
// writer of the same record to finish.
func LockAndWrite(path string, data []byte) error {
	l := New(path + ".lock")
	if _, err := l.take(func() (bool, error) { return true, l.f.Lock() }); err != nil {
		return err
	}
	defer l.Unlock()
	return AtomicWrite(path, data)
}
