package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOffsetMapPutGetLastWriteWins(t *testing.T) {
	m := NewOffsetMap(1<<16, HashMD5)

	require.NoError(t, m.Put([]byte("a"), 1))
	require.Equal(t, int64(1), m.Get([]byte("a")))

	require.NoError(t, m.Put([]byte("a"), 5))
	require.Equal(t, int64(5), m.Get([]byte("a")))
}

func TestOffsetMapGetAbsentReturnsSentinel(t *testing.T) {
	m := NewOffsetMap(1<<16, HashMD5)
	require.Equal(t, absentOffset, m.Get([]byte("missing")))
}

func TestOffsetMapClearResetsOccupancy(t *testing.T) {
	m := NewOffsetMap(1<<16, HashMD5)
	require.NoError(t, m.Put([]byte("a"), 1))
	require.True(t, m.Utilization() > 0)

	m.Clear()
	require.Equal(t, float64(0), m.Utilization())
	require.Equal(t, absentOffset, m.Get([]byte("a")))
}

func TestOffsetMapFullRejectsNewInsertButAllowsOverwrite(t *testing.T) {
	// One slot: md5 digest (16 bytes) + 8 byte offset = 24 bytes/slot.
	m := NewOffsetMap(24, HashMD5)
	require.Equal(t, int64(1), m.Slots())

	require.NoError(t, m.Put([]byte("a"), 1))
	require.ErrorIs(t, m.Put([]byte("b"), 2), ErrMapFull)

	// overwriting the already-present key still succeeds at capacity.
	require.NoError(t, m.Put([]byte("a"), 9))
	require.Equal(t, int64(9), m.Get([]byte("a")))
}

func TestOffsetMapSHA1Digest(t *testing.T) {
	m := NewOffsetMap(1<<16, HashSHA1)
	require.NoError(t, m.Put([]byte("a"), 1))
	require.Equal(t, int64(1), m.Get([]byte("a")))
}
