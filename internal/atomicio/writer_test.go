package atomicio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_PublishesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.bin")

	require.NoError(t, WriteFile(path, []byte("v1"), 0o644))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, WriteFile(path, []byte("v2"), 0o644))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteWithBackup_PreservesPriorContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.bin")

	require.NoError(t, WriteFile(path, []byte("old"), 0o644))
	require.NoError(t, WriteWithBackup(path, []byte("new"), 0o644, "123"))

	backup, err := os.ReadFile(path + ".backup.123")
	require.NoError(t, err)
	assert.Equal(t, "old", string(backup))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(current))
}

func TestFileLock_TryLock_FailsWhenAlreadyHeld(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "segment.bin")

	first := NewFileLock(target)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Unlock()

	second := NewFileLock(target)
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileLock_TryLockOrSteal_TakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "segment.bin")

	first := NewFileLock(target)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a crashed holder: force the lock file's mtime into the past
	// instead of releasing it.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(first.Path(), past, past))

	second := NewFileLock(target).WithStaleAfter(time.Minute)
	ok, err = second.TryLockOrSteal()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_ReleasesLockOnSuccessAndError(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "segment.bin")

	require.NoError(t, Guard(target, func() error { return nil }))

	// Lock must be free again: a fresh Guard call should also succeed.
	called := false
	err := Guard(target, func() error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
}
