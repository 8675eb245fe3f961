package filelock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "record.xml")
	require.NoError(t, AtomicWrite(path, []byte("<x/>")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<x/>", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestLockAndWriteOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.xml")
	require.NoError(t, LockAndWrite(path, []byte("one")))
	require.NoError(t, LockAndWrite(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestTryLockHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures", "rt.lock")
	first := New(path)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	second := New(path)
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Unlock())
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok, "lock is free once released")
	require.NoError(t, second.Unlock())
}

func TestAtomicWriteUnderFileFails(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, nil, 0o644))
	assert.Error(t, AtomicWrite(filepath.Join(parent, "record.xml"), []byte("x")))
}
