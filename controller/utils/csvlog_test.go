package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVLogHeaderAndAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ecph.csv")
	l := NewCSVLog(path, []string{"Date", "EC", "pH", "Solution_Temperature"})

	require.NoError(t, l.Append([]string{"2026-01-05 10:00", "0.72", "6.31", "18.5"}))
	require.NoError(t, l.Append([]string{"2026-01-05 10:05", "0.69", "6.40", "18.4"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Date,EC,pH,Solution_Temperature", lines[0])
	assert.Contains(t, lines[2], "0.69")
}

func TestCSVLogHeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dose.csv")
	l := NewCSVLog(path, []string{"timestamp", "device", "action", "detail"})
	require.NoError(t, l.Append([]string{"t1", "AB", "volume", "10"}))

	// A new logger over an existing file must not repeat the header.
	l2 := NewCSVLog(path, []string{"timestamp", "device", "action", "detail"})
	require.NoError(t, l2.Append([]string{"t2", "Acid", "volume", "10"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "timestamp,device"))
}

func TestCSVLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.csv")
	l := NewCSVLog(path, []string{"a", "b"})

	rows, err := l.Tail(10)
	require.NoError(t, err)
	assert.Empty(t, rows, "missing file tails to nothing")

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append([]string{"r", "v"}))
	}
	rows, err = l.Tail(3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
