package replication

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRTSMissingFileReturnsZero(t *testing.T) {
	ts, err := readRTS(filepath.Join(t.TempDir(), "missing.rts"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ts)
}

func TestWriteThenReadRTSRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.rts")
	require.NoError(t, writeRTS(path, 123456789))

	ts, err := readRTS(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456789), ts)
}

func TestWriteRTSOverwritesPriorValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.rts")
	require.NoError(t, writeRTS(path, 1))
	require.NoError(t, writeRTS(path, 2))

	ts, err := readRTS(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ts)
}
