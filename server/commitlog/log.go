// Package commitlog implements the narrow, file-backed Log/Segment
// capability the compaction engine consumes (§6). It intentionally does
// not implement replication, leader election, or any wire protocol —
// those are external collaborators out of scope per §1.
package commitlog

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrOptimisticLockFailure is returned by ReplaceSegments when the log was
// truncated between the caller capturing NumberOfTruncates and attempting
// the swap (§4.4 "Atomicity of swap", §7).
var ErrOptimisticLockFailure = errors.New("log was truncated during segment replacement")

// ErrNoSuchLog is returned by operations against a Log that has been
// deleted out from under a caller holding only a weak reference to it
// (§3 "Lifecycle & ownership").
var ErrNoSuchLog = errors.New("log no longer exists")

// Config is the subset of the owning topic-partition's configuration the
// engine needs, per the "Configuration surface" table in §6.
type Config struct {
	Compact            bool
	MinCleanableRatio  float64
	SegmentBytes       int64
	MaxIndexBytes      int64
	DeleteRetentionMs  int64
	MaxMessageBytes    int64
	IndexIntervalBytes int64
}

const (
	defaultSegmentBytes       = 1 << 30 // 1 GiB
	defaultMaxIndexBytes      = 10 << 20
	defaultIndexIntervalBytes = 4096
)

func (c *Config) setDefaults() {
	if c.SegmentBytes == 0 {
		c.SegmentBytes = defaultSegmentBytes
	}
	if c.MaxIndexBytes == 0 {
		c.MaxIndexBytes = defaultMaxIndexBytes
	}
	if c.IndexIntervalBytes == 0 {
		c.IndexIntervalBytes = defaultIndexIntervalBytes
	}
}

// Log is an ordered sequence of Segments, identified by a partition name
// and backed by a data directory. Exactly one segment is active and
// receives appends; NumberOfTruncates increments on every truncation and
// is used as the optimistic-concurrency token the rewriter checks before
// swapping in a replacement segment.
type Log struct {
	mu                sync.RWMutex
	name              string
	dir               string
	config            Config
	segments          []*Segment
	numberOfTruncates uint32
	deleted           int32 // atomic bool
}

// Open creates or recovers a Log rooted at dir.
func Open(dir, name string, config Config) (*Log, error) {
	config.setDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create log directory failed")
	}
	l := &Log{name: name, dir: dir, config: config}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) recover() error {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrap(err, "read log directory failed")
	}
	bases := map[int64]bool{}
	for _, f := range files {
		if f.IsDir() || f.Name()[0] == '.' {
			continue
		}
		if !strings.HasSuffix(f.Name(), logFileSuffix) {
			continue
		}
		offsetStr := strings.TrimSuffix(f.Name(), logFileSuffix)
		base, err := strconv.ParseInt(offsetStr, 10, 64)
		if err != nil {
			continue
		}
		bases[base] = true
	}
	ordered := make([]int64, 0, len(bases))
	for b := range bases {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, base := range ordered {
		seg, err := newSegment(l.dir, base, l.config.MaxIndexBytes, l.config.IndexIntervalBytes, "", false)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
	}
	if len(l.segments) == 0 {
		seg, err := newSegment(l.dir, 0, l.config.MaxIndexBytes, l.config.IndexIntervalBytes, "", true)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
	}
	return nil
}

// Name returns the log's partition name.
func (l *Log) Name() string { return l.name }

// Dir returns the log's data directory.
func (l *Log) Dir() string { return l.dir }

// LogConfig returns the log's configuration.
func (l *Log) LogConfig() Config { return l.config }

// ActiveSegment returns the segment currently receiving appends. The
// compaction engine must never read, rewrite, or remove its bytes (§8
// invariant 5).
func (l *Log) ActiveSegment() *Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[len(l.segments)-1]
}

// LogSegments returns the segments overlapping [fromOffset, toOffset),
// inclusive of any segment whose baseOffset < toOffset, per §6.
func (l *Log) LogSegments(fromOffset, toOffset int64) []*Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Segment
	for i, seg := range l.segments {
		next := int64(1)<<63 - 1
		if i+1 < len(l.segments) {
			next = l.segments[i+1].BaseOffset()
		}
		if next <= fromOffset {
			continue
		}
		if seg.BaseOffset() >= toOffset {
			break
		}
		out = append(out, seg)
	}
	return out
}

// AllSegments returns every segment in offset order, active segment
// included.
func (l *Log) AllSegments() []*Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Segment, len(l.segments))
	copy(out, l.segments)
	return out
}

// NumberOfTruncates is the optimistic-concurrency token bumped by Truncate.
func (l *Log) NumberOfTruncates() uint32 {
	return atomic.LoadUint32(&l.numberOfTruncates)
}

// IsDeleted reports whether the log has been removed. The engine treats a
// deleted log as "nothing to do" rather than failing (§3).
func (l *Log) IsDeleted() bool {
	return atomic.LoadInt32(&l.deleted) == 1
}

// Append writes rec to the active segment, rolling a new active segment
// first once the current one has reached the configured segment size. It exists so tests
// and embedders can build up a Log's contents; the compaction engine never
// calls it.
func (l *Log) Append(rec *Record) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	active := l.segments[len(l.segments)-1]
	if active.Size() >= l.config.SegmentBytes {
		seg, err := newSegment(l.dir, active.NextOffset(), l.config.MaxIndexBytes, l.config.IndexIntervalBytes, "", true)
		if err != nil {
			return 0, err
		}
		l.segments = append(l.segments, seg)
		active = seg
	}
	rec.Offset = active.NextOffset()
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixNano()
	}
	active.SetLastModified(time.Now())
	if _, err := active.Append(rec); err != nil {
		return 0, err
	}
	return rec.Offset, nil
}

// Roll forces a new active segment to be created, sealing the current one.
// Used by tests that need several immutable segments below the active one.
func (l *Log) Roll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	active := l.segments[len(l.segments)-1]
	if err := active.Flush(); err != nil {
		return err
	}
	seg, err := newSegment(l.dir, active.NextOffset(), l.config.MaxIndexBytes, l.config.IndexIntervalBytes, "", true)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, seg)
	return nil
}

// Truncate increments NumberOfTruncates. It simulates the effect an
// external truncation has on the optimistic-concurrency token the rewriter
// checks; it does not attempt to model full truncate semantics since the
// engine only depends on the counter bumping (§5 "Optimistic concurrency
// with truncation").
func (l *Log) Truncate() {
	atomic.AddUint32(&l.numberOfTruncates, 1)
}

// ReplaceSegments atomically swaps newSegment in for oldSegments, verifying
// expectedTruncateCount still matches NumberOfTruncates (§4.4). On success
// the staged ".cleaned" files are renamed onto standard segment names and
// spliced into the segment list in place of oldSegments; the displaced
// files are deleted asynchronously. On failure it returns
// ErrOptimisticLockFailure and leaves the log untouched — the caller (the
// rewriter) is responsible for deleting the staged files itself.
func (l *Log) ReplaceSegments(newSegment *Segment, oldSegments []*Segment, expectedTruncateCount uint32) error {
	l.mu.Lock()
	if l.NumberOfTruncates() != expectedTruncateCount {
		l.mu.Unlock()
		return ErrOptimisticLockFailure
	}

	oldByOffset := make(map[int64]*Segment, len(oldSegments))
	for _, s := range oldSegments {
		oldByOffset[s.BaseOffset()] = s
	}

	if err := newSegment.Flush(); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := newSegment.rename(); err != nil {
		l.mu.Unlock()
		return err
	}

	replaced := false
	next := make([]*Segment, 0, len(l.segments)-len(oldSegments)+1)
	for _, s := range l.segments {
		if _, ok := oldByOffset[s.BaseOffset()]; ok {
			if !replaced {
				next = append(next, newSegment)
				replaced = true
			}
			continue
		}
		next = append(next, s)
	}
	l.segments = next
	l.mu.Unlock()

	go func() {
		for _, s := range oldSegments {
			if s.BaseOffset() == newSegment.BaseOffset() {
				// Its file names now belong to newSegment after the rename
				// above; only its handles are released.
				s.Close() // nolint: errcheck
				continue
			}
			s.Delete() // nolint: errcheck
		}
	}()
	return nil
}

// Delete closes every segment and removes the log's data directory.
func (l *Log) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	atomic.StoreInt32(&l.deleted, 1)
	for _, s := range l.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return os.RemoveAll(l.dir)
}
