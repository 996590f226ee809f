package commitlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentAppendAndReadAt(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(dir, 0, 10<<20, 4096, "", true)
	require.NoError(t, err)
	defer seg.Close()

	rec := &Record{Offset: 0, Key: []byte("a"), Payload: []byte("1")}
	pos, err := seg.Append(rec)
	require.NoError(t, err)
	require.Equal(t, int64(0), pos)
	require.Equal(t, int64(1), seg.NextOffset())

	buf := make([]byte, rec.Size())
	n, err := seg.ReadAt(buf, pos)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	got, err := UnmarshalRecord(buf)
	require.NoError(t, err)
	require.Equal(t, rec.Key, got.Key)
}

func TestSegmentExistsError(t *testing.T) {
	dir := t.TempDir()
	_, err := newSegment(dir, 0, 10<<20, 4096, "", true)
	require.NoError(t, err)

	_, err = newSegment(dir, 0, 10<<20, 4096, "", true)
	require.ErrorIs(t, err, ErrSegmentExists)
}

func TestStagingSegmentRenameToLiveNames(t *testing.T) {
	dir := t.TempDir()
	staging, err := NewStagingSegment(dir, 0, 10<<20, 4096)
	require.NoError(t, err)

	_, err = staging.Append(&Record{Offset: 0, Key: []byte("a"), Payload: []byte("1")})
	require.NoError(t, err)
	require.NoError(t, staging.Flush())
	require.NoError(t, staging.rename())

	// reopening without the staging suffix should succeed and see the data
	reopened, err := newSegment(dir, 0, 10<<20, 4096, "", false)
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.Size() > 0)
}

func TestDiscardStagingRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	staging, err := NewStagingSegment(dir, 0, 10<<20, 4096)
	require.NoError(t, err)
	require.NoError(t, DiscardStaging(staging))

	_, statErr := os.Stat(filepath.Join(dir, "00000000000000000000.log.cleaned"))
	require.True(t, os.IsNotExist(statErr), "discarded staging message file must be gone")
	_, statErr = os.Stat(filepath.Join(dir, "00000000000000000000.index.cleaned"))
	require.True(t, os.IsNotExist(statErr), "discarded staging index file must be gone")

	// a fresh staging segment at the same offset can be created again
	_, err = NewStagingSegment(dir, 0, 10<<20, 4096)
	require.NoError(t, err)
}
