package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_RotatesPastMaxBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	sink, err := newFileSink(path, 50, 2)
	require.NoError(t, err)
	defer sink.Close()

	first := []byte("first line\n")
	n, err := sink.Write(first)
	require.NoError(t, err)
	assert.Equal(t, len(first), n)

	second := []byte(strings.Repeat("x", 60) + "\n")
	_, err = sink.Write(second)
	require.NoError(t, err)
	require.NoError(t, sink.Sync())

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, string(first), string(rotated))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(second), string(current), "an oversized line still lands in a fresh file")
}

func TestFileSink_KeepsAtMostMaxBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	sink, err := newFileSink(path, 10, 2)
	require.NoError(t, err)
	defer sink.Close()

	for _, line := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := sink.Write([]byte(line))
		require.NoError(t, err)
	}

	assertFile(t, path, "dddddddd\n")
	assertFile(t, path+".1", "cccccccc\n")
	assertFile(t, path+".2", "bbbbbbbb\n")
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestFileSink_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))

	sink, err := newFileSink(path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sink.size)
	assert.Equal(t, int64(defaultLogMaxBytes), sink.maxBytes)
	assert.Equal(t, defaultLogMaxBackups, sink.maxBackups)

	_, err = sink.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assertFile(t, path, "old\nnew\n")
}

func TestFileSink_CloseIsIdempotent(t *testing.T) {
	sink, err := newFileSink(filepath.Join(t.TempDir(), "proxy.log"), 0, 0)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Sync())
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}
