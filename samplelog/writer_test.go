package samplelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_HeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")

	w, err := NewWriter(path, nil)
	require.NoError(t, err)

	w.Append(Record{TimestampMS: 1, VoltageMV: -42.5, InSeizure: false, TherapyNeeded: false})
	w.Append(Record{TimestampMS: 2, VoltageMV: 13.25, InSeizure: true, TherapyNeeded: true})

	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)

	assert.Equal(t, "'Timestamp','Value','InSeizure','TherapyState'", lines[0])
	assert.Equal(t, "1,-42.5,false,false", lines[1])
	assert.Equal(t, "2,13.25,true,true", lines[2])
}

func TestWriter_UniqueNameOnCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "samples.csv")

	first, err := NewWriter(path, nil)
	require.NoError(t, err)
	defer first.Close()

	second, err := NewWriter(path, nil)
	require.NoError(t, err)
	defer second.Close()

	_, err = os.Stat(filepath.Join(dir, "samples-1.csv"))
	assert.NoError(t, err, "colliding name must derive a unique file")

	third, err := NewWriter(path, nil)
	require.NoError(t, err)
	defer third.Close()

	_, err = os.Stat(filepath.Join(dir, "samples-2.csv"))
	assert.NoError(t, err)
}

func TestWriter_CloseFlushesPendingRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")

	w, err := NewWriter(path, nil)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		w.Append(Record{TimestampMS: uint32(i), VoltageMV: float64(i)})
	}

	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 1001, "every enqueued record must reach the file")
}

func TestWriter_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")

	w, err := NewWriter(path, nil)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	// Appends after close are dropped, not panics.
	w.Append(Record{TimestampMS: 1})
}

func TestWriter_ConcurrentAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")

	w, err := NewWriter(path, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 250; i++ {
				w.Append(Record{TimestampMS: uint32(g*1000 + i)})
			}
		}(g)
	}

	for g := 0; g < 4; g++ {
		<-done
	}

	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 1001)
}
