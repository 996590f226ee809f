package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamkeep/logcleaner/server/commitlog"
)

func readAllRecords(t *testing.T, seg *commitlog.Segment) []*commitlog.Record {
	t.Helper()
	buf := make([]byte, seg.Size())
	if len(buf) == 0 {
		return nil
	}
	n, err := seg.ReadAt(buf, 0)
	require.NoError(t, err)
	buf = buf[:n]

	var records []*commitlog.Record
	for len(buf) > 0 {
		rec, err := commitlog.UnmarshalRecord(buf)
		require.NoError(t, err)
		records = append(records, rec)
		buf = buf[rec.Size():]
	}
	return records
}

func newTestLog(t *testing.T, cfg commitlog.Config) *commitlog.Log {
	t.Helper()
	dir := t.TempDir()
	l, err := commitlog.Open(dir, "test-topic-0", cfg)
	require.NoError(t, err)
	return l
}

func newTestCleaner(t *testing.T) *LogCleaner {
	t.Helper()
	cfg := Config{
		NumThreads:             1,
		DedupeBufferSize:       1 << 20,
		DedupeBufferLoadFactor: 0.75,
		IoBufferSize:           4096,
		MaxMessageSize:         1 << 20,
	}
	cfg.setDefaults()
	return NewLogCleaner(cfg, NewThrottler(ThrottlerConfig{}))
}

func TestLogCleanerBasicDedup(t *testing.T) {
	l := newTestLog(t, commitlog.Config{SegmentBytes: 1 << 30, IndexIntervalBytes: 16})

	keys := []string{"a", "b", "a", "c", "b"}
	for _, k := range keys {
		_, err := l.Append(&commitlog.Record{Key: []byte(k), Payload: []byte("v")})
		require.NoError(t, err)
	}
	require.NoError(t, l.Roll())

	cleaner := newTestCleaner(t)
	endOffset, _, err := cleaner.Clean(context.Background(), LogToClean{Log: l, FirstDirtyOffset: 0})
	require.NoError(t, err)
	require.Equal(t, int64(5), endOffset)

	survivors := readAllRecords(t, l.AllSegments()[0])
	require.Len(t, survivors, 3)
	require.Equal(t, int64(2), survivors[0].Offset) // (a,2)
	require.Equal(t, int64(3), survivors[1].Offset) // (c,3)
	require.Equal(t, int64(4), survivors[2].Offset) // (b,4)
}

// newAlreadyCleanPrefix appends one record to its own sealed segment,
// standing in for a segment already below firstDirtyOffset from a prior
// cleaning pass; deleteHorizonMs (§4.5 step 3) is computed off this
// segment's LastModified, not the dirty segment actually being rewritten.
func newAlreadyCleanPrefix(t *testing.T, l *commitlog.Log) int64 {
	t.Helper()
	_, err := l.Append(&commitlog.Record{Key: []byte("prefix"), Payload: []byte("0")})
	require.NoError(t, err)
	require.NoError(t, l.Roll())
	l.AllSegments()[0].SetLastModified(time.Now())
	return l.AllSegments()[1].BaseOffset()
}

func TestLogCleanerTombstoneRetainedWithinHorizon(t *testing.T) {
	l := newTestLog(t, commitlog.Config{SegmentBytes: 1 << 30, IndexIntervalBytes: 16, DeleteRetentionMs: int64(time.Hour / time.Millisecond)})
	firstDirty := newAlreadyCleanPrefix(t, l)

	_, err := l.Append(&commitlog.Record{Key: []byte("a"), Payload: []byte("1")})
	require.NoError(t, err)
	_, err = l.Append(&commitlog.Record{Key: []byte("a"), Payload: nil})
	require.NoError(t, err)
	_, err = l.Append(&commitlog.Record{Key: []byte("b"), Payload: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, l.Roll())
	// The dirty segment holding the tombstone is freshly written: well
	// within the 1-hour horizon measured back from the clean prefix.
	l.AllSegments()[1].SetLastModified(time.Now())

	cleaner := newTestCleaner(t)
	_, _, err = cleaner.Clean(context.Background(), LogToClean{Log: l, FirstDirtyOffset: firstDirty})
	require.NoError(t, err)

	survivors := readAllRecords(t, l.AllSegments()[0])
	require.Len(t, survivors, 3) // prefix, tombstone(a), b
	require.True(t, survivors[1].IsTombstone())
}

func TestLogCleanerTombstoneDroppedPastHorizon(t *testing.T) {
	l := newTestLog(t, commitlog.Config{SegmentBytes: 1 << 30, IndexIntervalBytes: 16, DeleteRetentionMs: int64(time.Hour / time.Millisecond)})
	firstDirty := newAlreadyCleanPrefix(t, l)

	_, err := l.Append(&commitlog.Record{Key: []byte("a"), Payload: []byte("1")})
	require.NoError(t, err)
	_, err = l.Append(&commitlog.Record{Key: []byte("a"), Payload: nil})
	require.NoError(t, err)
	_, err = l.Append(&commitlog.Record{Key: []byte("b"), Payload: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, l.Roll())
	// The dirty segment is backdated past the horizon (clean prefix's
	// LastModified minus the 1-hour DeleteRetentionMs).
	l.AllSegments()[1].SetLastModified(time.Now().Add(-2 * time.Hour))

	cleaner := newTestCleaner(t)
	_, _, err = cleaner.Clean(context.Background(), LogToClean{Log: l, FirstDirtyOffset: firstDirty})
	require.NoError(t, err)

	survivors := readAllRecords(t, l.AllSegments()[0])
	require.Len(t, survivors, 2) // prefix, b
	for _, rec := range survivors {
		require.False(t, rec.IsTombstone())
	}
}

func TestLogCleanerNullKeyIsCorruptLog(t *testing.T) {
	l := newTestLog(t, commitlog.Config{SegmentBytes: 1 << 30, IndexIntervalBytes: 16})

	_, err := l.Append(&commitlog.Record{Key: nil, Payload: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, l.Roll())

	cleaner := newTestCleaner(t)
	_, _, err = cleaner.Clean(context.Background(), LogToClean{Log: l, FirstDirtyOffset: 0})
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestLogCleanerIdempotentOnAlreadyCleanLog(t *testing.T) {
	l := newTestLog(t, commitlog.Config{SegmentBytes: 1 << 30, IndexIntervalBytes: 16})
	_, err := l.Append(&commitlog.Record{Key: []byte("a"), Payload: []byte("1")})
	require.NoError(t, err)
	require.NoError(t, l.Roll())

	cleaner := newTestCleaner(t)
	first, _, err := cleaner.Clean(context.Background(), LogToClean{Log: l, FirstDirtyOffset: 0})
	require.NoError(t, err)

	second, _, err := cleaner.Clean(context.Background(), LogToClean{Log: l, FirstDirtyOffset: first})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGroupSegmentsRespectsSizeBudgetAndOversizedSingleton(t *testing.T) {
	dir := t.TempDir()
	l, err := commitlog.Open(dir, "test-topic-0", commitlog.Config{SegmentBytes: 1 << 30})
	require.NoError(t, err)

	// Three ~900KiB segments via explicit Roll() boundaries: any two fit
	// under a 2MiB budget but all three do not, per §9's grouping note.
	payload := make([]byte, 900<<10)
	for i := 0; i < 3; i++ {
		_, err := l.Append(&commitlog.Record{Key: []byte("k"), Payload: payload})
		require.NoError(t, err)
		require.NoError(t, l.Roll())
	}

	segments := l.AllSegments()[:3]
	groups := groupSegments(segments, 2<<20, 10<<20)
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 2)
	require.Len(t, groups[1], 1)

	// With a 512KiB budget every ~900KiB segment is oversized on its own
	// and still forms a group by itself.
	oversized := groupSegments(segments, 512<<10, 10<<20)
	require.Len(t, oversized, 3)
	for _, g := range oversized {
		require.Len(t, g, 1)
	}
}
