package commitlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	logFileSuffix   = ".log"
	indexFileSuffix = ".index"
	cleanedSuffix   = ".cleaned"
)

// ErrSegmentExists is returned when creating a segment whose files already
// exist on disk.
var ErrSegmentExists = errors.New("segment already exists")

// Segment is an immutable-once-sealed pair of (message file, offset index
// file) identified by its baseOffset, per the data model in §3. Exactly one
// Segment per Log is active and receives appends; the compaction engine
// never touches that one (§8 invariant 5).
type Segment struct {
	mu sync.RWMutex

	baseOffset         int64
	nextOffset         int64
	position           int64
	lastModifiedAt     time.Time
	indexIntervalBytes int64
	lastIndexedPos     int64

	path   string
	suffix string

	file   *os.File
	writer *bufio.Writer
	idx    *index

	closed bool
}

// newSegment creates or opens the segment rooted at dir with the given
// baseOffset. suffix, when non-empty (".cleaned"), selects a staging file
// pair used by the rewriter instead of the live "<offset>.log"/".index"
// pair.
func newSegment(dir string, baseOffset int64, maxIndexBytes, indexIntervalBytes int64, suffix string, mustNotExist bool) (*Segment, error) {
	s := &Segment{
		baseOffset:         baseOffset,
		nextOffset:         baseOffset,
		indexIntervalBytes: indexIntervalBytes,
		path:               dir,
		suffix:             suffix,
	}

	if mustNotExist && exists(s.logPath()) {
		return nil, ErrSegmentExists
	}

	f, err := os.OpenFile(s.logPath(), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open segment message file failed")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat segment message file failed")
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.position = fi.Size()
	s.lastModifiedAt = fi.ModTime()

	idx, err := newIndex(s.indexPath(), maxIndexBytes)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.idx = idx
	s.lastIndexedPos = -1 // force the first append to be indexed

	return s, nil
}

// NewStagingSegment creates the ".cleaned"-suffixed message/index file pair
// the rewriter writes a replacement segment into (§4.4 step 1). Any stale
// files left over from a previous aborted rewrite at the same baseOffset
// are removed first.
func NewStagingSegment(dir string, baseOffset, maxIndexBytes, indexIntervalBytes int64) (*Segment, error) {
	staleLog := filepath.Join(dir, fmt.Sprintf("%020d%s%s", baseOffset, logFileSuffix, cleanedSuffix))
	staleIdx := filepath.Join(dir, fmt.Sprintf("%020d%s%s", baseOffset, indexFileSuffix, cleanedSuffix))
	if err := os.Remove(staleLog); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "remove stale cleaned message file failed")
	}
	if err := os.Remove(staleIdx); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "remove stale cleaned index file failed")
	}
	return newSegment(dir, baseOffset, maxIndexBytes, indexIntervalBytes, cleanedSuffix, true)
}

// DiscardStaging deletes a staged ".cleaned" segment's files without
// attempting to splice it into any Log. Used when a rewrite aborts, e.g.
// on OptimisticLockFailure or Cancelled (§7).
func DiscardStaging(seg *Segment) error {
	return seg.Delete()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Segment) logPath() string {
	return filepath.Join(s.path, fmt.Sprintf("%020d%s%s", s.baseOffset, logFileSuffix, s.suffix))
}

func (s *Segment) indexPath() string {
	return filepath.Join(s.path, fmt.Sprintf("%020d%s%s", s.baseOffset, indexFileSuffix, s.suffix))
}

// BaseOffset is the first offset that can live in this segment.
func (s *Segment) BaseOffset() int64 {
	return s.baseOffset
}

// NextOffset is the offset the next appended record will receive, for the
// active segment, or one past the last record ever written to it.
func (s *Segment) NextOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset
}

// Size is the number of bytes in the message file.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// LastModified is the wall-clock time used by tombstone grace (§8
// invariant 4) and by the cleanability calculations.
func (s *Segment) LastModified() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastModifiedAt
}

// SetLastModified lets the rewriter stamp a staged destination segment with
// the last source segment's modification time (§4.4 step 6), so dirtiness
// and delete-horizon math are unaffected by when the rewrite itself ran.
func (s *Segment) SetLastModified(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastModifiedAt = t
}

// IndexIntervalBytes is the spacing, in message-file bytes, at which this
// segment's index is populated.
func (s *Segment) IndexIntervalBytes() int64 {
	return s.indexIntervalBytes
}

// IndexSizeInBytes is the current size of the offset index.
func (s *Segment) IndexSizeInBytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.sizeInBytes()
}

// Append writes rec at the end of the message file, preserving rec.Offset
// exactly (§8 invariant 2: offsets are never renumbered). It indexes the
// record if indexIntervalBytes worth of data has accumulated since the
// last indexed entry, matching the source segment's indexing cadence when
// used by the rewriter (§4.4 step 4).
func (s *Segment) Append(rec *Record) (position int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, rec.Size())
	if _, err := rec.MarshalTo(buf); err != nil {
		return 0, err
	}

	startPos := s.position
	n, err := s.writer.Write(buf)
	if err != nil {
		return 0, errors.Wrap(err, "write record failed")
	}
	s.position += int64(n)

	if s.lastIndexedPos < 0 || startPos-s.lastIndexedPos >= s.indexIntervalBytes {
		relOffset := uint32(rec.Offset - s.baseOffset)
		if err := s.idx.write(relOffset, uint64(startPos)); err != nil {
			return 0, errors.Wrap(err, "write index entry failed")
		}
		s.lastIndexedPos = startPos
	}

	if rec.Offset >= s.nextOffset {
		s.nextOffset = rec.Offset + 1
	}
	return startPos, nil
}

// ReadAt performs a random-access read of len(buf) bytes starting at the
// given physical position in the message file.
func (s *Segment) ReadAt(buf []byte, position int64) (int, error) {
	s.mu.Lock()
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return 0, errors.Wrap(err, "flush segment before read failed")
	}
	s.mu.Unlock()
	return s.file.ReadAt(buf, position)
}

// Flush persists buffered writes and trims the index to its valid size,
// called once a segment becomes immutable.
func (s *Segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush segment message file failed")
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "sync segment message file failed")
	}
	if err := s.idx.trimToValidSize(); err != nil {
		return errors.Wrap(err, "trim segment index failed")
	}
	return s.idx.flush()
}

// Close flushes and closes the segment's files.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.idx.close(); err != nil {
		return err
	}
	return s.file.Close()
}

// Delete closes and removes the segment's message and index files from
// disk.
func (s *Segment) Delete() error {
	s.mu.Lock()
	logPath, idxPath := s.logPath(), s.indexPath()
	closed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !closed {
		s.writer.Flush() // nolint: errcheck
		s.idx.close()     // nolint: errcheck
		s.file.Close()    // nolint: errcheck
	}
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove segment message file failed")
	}
	if err := os.Remove(idxPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove segment index file failed")
	}
	return nil
}

// rename moves a ".cleaned"-suffixed staging segment's files onto the
// standard segment file names, making it a normal immutable segment.
func (s *Segment) rename() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldLog, oldIdx := s.logPath(), s.indexPath()
	s.suffix = ""
	newLog, newIdx := s.logPath(), s.indexPath()
	if err := os.Rename(oldLog, newLog); err != nil {
		return errors.Wrap(err, "rename segment message file failed")
	}
	if err := os.Rename(oldIdx, newIdx); err != nil {
		return errors.Wrap(err, "rename segment index file failed")
	}
	return nil
}
