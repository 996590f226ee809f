package commitlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexWriteReadLookup(t *testing.T) {
	dir := t.TempDir()
	idx, err := newIndex(filepath.Join(dir, "0.index"), 1<<20)
	require.NoError(t, err)
	defer idx.close()

	require.NoError(t, idx.write(0, 0))
	require.NoError(t, idx.write(5, 100))
	require.NoError(t, idx.write(10, 200))

	off, pos, err := idx.read(1)
	require.NoError(t, err)
	require.Equal(t, uint32(5), off)
	require.Equal(t, uint64(100), pos)

	require.Equal(t, uint64(100), idx.lookup(7))
	require.Equal(t, uint64(200), idx.lookup(10))
	require.Equal(t, uint64(0), idx.lookup(2))
}

func TestIndexTrimToValidSize(t *testing.T) {
	dir := t.TempDir()
	idx, err := newIndex(filepath.Join(dir, "0.index"), 1<<20)
	require.NoError(t, err)

	require.NoError(t, idx.write(0, 0))
	require.NoError(t, idx.trimToValidSize())
	require.NoError(t, idx.close())

	reopened, err := newIndex(filepath.Join(dir, "0.index"), 1<<20)
	require.NoError(t, err)
	defer reopened.close()
	require.Equal(t, uint64(indexEntryWidth), reopened.sizeInBytes())
}

func TestIndexRecoversValidSizeAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.index")
	idx, err := newIndex(path, 1<<20)
	require.NoError(t, err)
	require.NoError(t, idx.write(0, 0))
	require.NoError(t, idx.write(3, 50))
	require.NoError(t, idx.close())

	reopened, err := newIndex(path, 1<<20)
	require.NoError(t, err)
	defer reopened.close()
	require.Equal(t, uint64(2*indexEntryWidth), reopened.sizeInBytes())
}
