package commitlog

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"
)

// Each index entry is a (relative offset, physical position) pair:
// 4 bytes for the offset relative to the segment's base offset, 8 bytes
// for the byte position in the message file.
const (
	indexOffsetWidth   = 4
	indexPositionWidth = 8
	indexEntryWidth    = indexOffsetWidth + indexPositionWidth
)

// index is a memory-mapped, append-only sparse index over a segment's
// message file. It is pre-allocated to maxBytes and trimmed to its valid
// size by trimToValidSize (called from Segment.Flush); close does not trim.
type index struct {
	file     *os.File
	mmap     gommap.MMap
	size     uint64 // bytes actually used
	capacity uint64
}

func newIndex(path string, maxBytes int64) (*index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open index file failed")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat index file failed")
	}
	size := uint64(fi.Size())
	if int64(size) < maxBytes {
		if err := f.Truncate(maxBytes); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "truncate index file failed")
		}
	}
	mmap, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap index file failed")
	}
	idx := &index{file: f, mmap: mmap, capacity: uint64(maxBytes)}
	// Determine the valid size by scanning for the last non-zero entry:
	// a freshly-truncated file is zero-filled, and relative offset 0 /
	// position 0 is only ever a legitimate entry at position 0 itself.
	idx.size = idx.scanValidSize(size)
	return idx, nil
}

// scanValidSize recovers how much of a pre-existing index file holds real
// entries versus trailing zero padding from pre-allocation.
func (idx *index) scanValidSize(fileSize uint64) uint64 {
	entries := fileSize / indexEntryWidth
	var last uint64
	for i := uint64(0); i < entries; i++ {
		pos := i * indexEntryWidth
		off := binary.BigEndian.Uint32(idx.mmap[pos : pos+indexOffsetWidth])
		val := binary.BigEndian.Uint64(idx.mmap[pos+indexOffsetWidth : pos+indexEntryWidth])
		if off == 0 && val == 0 && i != 0 {
			break
		}
		last = (i + 1) * indexEntryWidth
	}
	return last
}

// sizeInBytes returns the number of bytes currently holding valid entries.
func (idx *index) sizeInBytes() uint64 {
	return idx.size
}

// write appends a (relativeOffset, position) entry.
func (idx *index) write(relativeOffset uint32, position uint64) error {
	if idx.size+indexEntryWidth > idx.capacity {
		return errors.New("index is full")
	}
	binary.BigEndian.PutUint32(idx.mmap[idx.size:idx.size+indexOffsetWidth], relativeOffset)
	binary.BigEndian.PutUint64(idx.mmap[idx.size+indexOffsetWidth:idx.size+indexEntryWidth], position)
	idx.size += indexEntryWidth
	return nil
}

// read returns the nth entry (0-indexed). Passing -1 returns the last
// entry. Returns io.EOF if n is past the last valid entry.
func (idx *index) read(n int64) (relativeOffset uint32, position uint64, err error) {
	if idx.size == 0 {
		return 0, 0, io.EOF
	}
	entries := int64(idx.size / indexEntryWidth)
	if n == -1 {
		n = entries - 1
	}
	if n < 0 || n >= entries {
		return 0, 0, io.EOF
	}
	pos := uint64(n) * indexEntryWidth
	relativeOffset = binary.BigEndian.Uint32(idx.mmap[pos : pos+indexOffsetWidth])
	position = binary.BigEndian.Uint64(idx.mmap[pos+indexOffsetWidth : pos+indexEntryWidth])
	return relativeOffset, position, nil
}

// lookup performs a binary search for the last entry whose relative offset
// is <= target, returning its physical position. Returns 0 if there is no
// such entry (caller then scans from the start of the message file).
func (idx *index) lookup(target uint32) uint64 {
	entries := int64(idx.size / indexEntryWidth)
	if entries == 0 {
		return 0
	}
	lo, hi := int64(0), entries-1
	var best uint64
	for lo <= hi {
		mid := (lo + hi) / 2
		off, pos, _ := idx.read(mid)
		if off <= target {
			best = pos
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// trimToValidSize truncates the backing file down to the bytes actually
// used, discarding pre-allocated padding. Called once a segment becomes
// immutable (rewriter output, or a rolled-over active segment).
func (idx *index) trimToValidSize() error {
	return idx.file.Truncate(int64(idx.size))
}

func (idx *index) flush() error {
	return idx.mmap.Sync(gommap.MS_SYNC)
}

func (idx *index) close() error {
	if err := idx.flush(); err != nil {
		return err
	}
	if err := idx.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	return idx.file.Close()
}

func (idx *index) delete() error {
	path := idx.file.Name()
	if err := idx.close(); err != nil {
		return err
	}
	return os.Remove(path)
}

func (idx *index) name() string { return idx.file.Name() }
