package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamkeep/logcleaner/server/commitlog"
)

func newDirtyLog(t *testing.T, dirtyKeys int) (*commitlog.Log, *CheckpointStore) {
	t.Helper()
	dir := t.TempDir()
	l, err := commitlog.Open(dir, "topic", commitlog.Config{Compact: true, SegmentBytes: 1 << 30, IndexIntervalBytes: 16})
	require.NoError(t, err)
	for i := 0; i < dirtyKeys; i++ {
		_, err := l.Append(&commitlog.Record{Key: []byte("k"), Payload: []byte("v")})
		require.NoError(t, err)
	}
	require.NoError(t, l.Roll())

	store, err := OpenCheckpointStore(dir)
	require.NoError(t, err)
	return l, store
}

func TestSelectDirtiestPicksHighestRatio(t *testing.T) {
	m := NewCleanerManager(Config{NumThreads: 1})

	// quietLog: a large already-clean segment followed by one small dirty
	// one, giving a low but nonzero ratio.
	quietDir := t.TempDir()
	quietLog, err := commitlog.Open(quietDir, "topic", commitlog.Config{Compact: true, SegmentBytes: 1 << 30, IndexIntervalBytes: 16})
	require.NoError(t, err)
	_, err = quietLog.Append(&commitlog.Record{Key: []byte("k"), Payload: make([]byte, 1<<20)})
	require.NoError(t, err)
	require.NoError(t, quietLog.Roll())
	_, err = quietLog.Append(&commitlog.Record{Key: []byte("k"), Payload: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, quietLog.Roll())
	quietStore, err := OpenCheckpointStore(quietDir)
	require.NoError(t, err)
	require.NoError(t, quietStore.Set("topic", 0, quietLog.AllSegments()[1].BaseOffset()))

	// busyLog: nothing checkpointed yet, so its entire body is dirty.
	busyLog, busyStore := newDirtyLog(t, 10)

	m.Register(RegisteredLog{Log: quietLog, Topic: "topic", Partition: 0, Store: quietStore})
	m.Register(RegisteredLog{Log: busyLog, Topic: "topic", Partition: 1, Store: busyStore})

	reg, candidate, ok := m.selectDirtiest()
	require.True(t, ok)
	require.Equal(t, int32(1), reg.Partition)
	require.InDelta(t, 1.0, candidate.CleanableRatio(), 0.001)
}

func TestSelectDirtiestSkipsInProgress(t *testing.T) {
	m := NewCleanerManager(Config{NumThreads: 1})
	l, store := newDirtyLog(t, 5)
	m.Register(RegisteredLog{Log: l, Topic: "topic", Partition: 0, Store: store})

	_, _, ok := m.selectDirtiest()
	require.True(t, ok)

	_, _, ok = m.selectDirtiest()
	require.False(t, ok, "a log already claimed in inProgress must not be selected again")
}

func TestFinishCleaningReleasesInProgressAndAdvancesCheckpoint(t *testing.T) {
	m := NewCleanerManager(Config{NumThreads: 1})
	l, store := newDirtyLog(t, 5)
	reg := RegisteredLog{Log: l, Topic: "topic", Partition: 0, Store: store}
	m.Register(reg)

	_, _, ok := m.selectDirtiest()
	require.True(t, ok)

	require.NoError(t, m.finishCleaning(reg, 5))

	v, found := store.Get("topic", 0)
	require.True(t, found)
	require.Equal(t, int64(5), v)

	// Checkpoint 5 leaves the log fully clean (ratio 0); add fresh dirty
	// data so it is a candidate again once released.
	_, err := l.Append(&commitlog.Record{Key: []byte("k"), Payload: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, l.Roll())

	_, _, ok = m.selectDirtiest()
	require.True(t, ok, "partition must be selectable again after finishCleaning releases it")
}

func TestCleanerManagerStartupCleansRegisteredLog(t *testing.T) {
	m := NewCleanerManager(Config{NumThreads: 2, BackOffMs: 50})
	l, store := newDirtyLog(t, 5)
	reg := RegisteredLog{Log: l, Topic: "topic", Partition: 0, Store: store}
	m.Register(reg)

	m.Startup()
	defer m.Shutdown()

	ok := m.AwaitCleaned(context.Background(), reg, l.ActiveSegment().BaseOffset(), 5*time.Second)
	require.True(t, ok, "expected the log to be fully cleaned within the timeout")
}
