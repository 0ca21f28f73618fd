package isolation

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestOpenCreatesSlotDirs(t *testing.T) {
	root := t.TempDir()
	p := New(discardLogger(), root, 3, os.Getuid(), os.Getgid())
	require.NoError(t, p.Open())

	for i := 0; i < 3; i++ {
		dir := filepath.Join(root, strconv.Itoa(i))
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, fs.FileMode(0700), info.Mode().Perm())
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := New(discardLogger(), root, 1, os.Getuid(), os.Getgid())
	require.NoError(t, p.Open())

	s, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, s.ID)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int64(1), p.Exhausted())

	p.Release(s)

	s2, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, s.ID, s2.ID)
}

func TestSweepEmptiesFreeSlotLeftLeftover(t *testing.T) {
	root := t.TempDir()
	p := New(discardLogger(), root, 2, os.Getuid(), os.Getgid())
	require.NoError(t, p.Open())

	s, err := p.Acquire()
	require.NoError(t, err)
	leftover := filepath.Join(s.Dir, "leftover.txt")
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0644))

	// Simulate Release's best-effort empty having failed by returning the
	// dirty slot to the free set directly, bypassing Release.
	s.UID = os.Getuid()

	p.mu.Lock()
	p.free <- s
	p.mu.Unlock()

	p.Sweep()

	entries, err := os.ReadDir(s.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReleaseEmptiesScratchDir(t *testing.T) {
	root := t.TempDir()
	p := New(discardLogger(), root, 1, os.Getuid(), os.Getgid())
	require.NoError(t, p.Open())

	s, err := p.Acquire()
	require.NoError(t, err)

	leftover := filepath.Join(s.Dir, "leftover.txt")
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0644))

	p.Release(s)

	entries, err := os.ReadDir(s.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
