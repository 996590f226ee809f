package compaction

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/streamkeep/logcleaner/internal/logger"
	"github.com/streamkeep/logcleaner/server/commitlog"
)

// LogToClean is the candidate a CleanerManager hands to a worker: a log
// plus the checkpointed boundary between its clean and dirty sections
// (§3 "LogToClean").
type LogToClean struct {
	Log              Log
	FirstDirtyOffset int64
}

func (c LogToClean) activeBase() int64 {
	return c.Log.ActiveSegment().BaseOffset()
}

// cleanBytes sums the sizes of segments entirely below FirstDirtyOffset.
func (c LogToClean) cleanBytes() int64 {
	var total int64
	for _, s := range c.Log.LogSegments(0, c.FirstDirtyOffset) {
		total += s.Size()
	}
	return total
}

// dirtyBytes sums the sizes of segments in [FirstDirtyOffset,
// activeSegment.BaseOffset).
func (c LogToClean) dirtyBytes() int64 {
	var total int64
	for _, s := range c.Log.LogSegments(c.FirstDirtyOffset, c.activeBase()) {
		total += s.Size()
	}
	return total
}

// CleanableRatio is dirtyBytes / (cleanBytes + dirtyBytes), 0 if the total
// is 0.
func (c LogToClean) CleanableRatio() float64 {
	clean, dirty := c.cleanBytes(), c.dirtyBytes()
	total := clean + dirty
	if total == 0 {
		return 0
	}
	return float64(dirty) / float64(total)
}

// LogCleaner runs the per-log cleaning algorithm (C5, §4.5): build the
// offset map over the dirty range, group the clean-to-active range into
// rewrite-sized batches, invoke the SegmentRewriter once per group, and
// return the new first-dirty-offset. One LogCleaner (and its owned
// OffsetMap) belongs to exactly one worker.
type LogCleaner struct {
	cfg       Config
	offsetMap *OffsetMap
	rewriter  *SegmentRewriter
	log       logger.Logger
}

// NewLogCleaner constructs a LogCleaner with its own OffsetMap and
// SegmentRewriter, sized per cfg.
func NewLogCleaner(cfg Config, throttler *Throttler) *LogCleaner {
	cfg.setDefaults()
	return &LogCleaner{
		cfg:       cfg,
		offsetMap: NewOffsetMap(cfg.perWorkerDedupeBytes(), cfg.HashAlgorithm),
		rewriter: NewSegmentRewriter(RewriterConfig{
			IoBufferSize:    cfg.IoBufferSize,
			MaxIoBufferSize: cfg.MaxMessageSize,
			Throttler:       throttler,
			Logger:          cfg.Logger,
		}),
		log: cfg.Logger,
	}
}

// Clean runs one full pass over candidate per §4.5's six steps, returning
// the new first-dirty-offset (endOffset) on success. A non-nil error is
// always one of the §7 error kinds; the caller (CleanerManager) is
// responsible for checkpointing endOffset regardless of whether Clean
// returned an error, since an abort still yields a safe (possibly
// unchanged) endOffset.
func (lc *LogCleaner) Clean(ctx context.Context, candidate LogToClean) (endOffset int64, result RunResult, err error) {
	start := time.Now()
	log := candidate.Log
	truncateCount := log.NumberOfTruncates()

	lc.offsetMap.Clear()
	rewriterCfg := log.LogConfig()
	lc.rewriter.cfg.IndexIntervalBytes = rewriterCfg.IndexIntervalBytes
	lc.rewriter.cfg.MaxIndexBytes = rewriterCfg.MaxIndexBytes

	mapStart := time.Now()
	endOffset, err = lc.buildMap(ctx, candidate)
	result.MapBuildDuration = time.Since(mapStart)
	if err != nil {
		result.Aborted = true
		result.TotalDuration = time.Since(start)
		return candidate.FirstDirtyOffset, result, err
	}

	deleteHorizonMs := lc.deleteHorizon(candidate)

	groups := groupSegments(log.LogSegments(0, endOffset), rewriterCfg.SegmentBytes, rewriterCfg.MaxIndexBytes)

	rewriteStart := time.Now()
	for _, group := range groups {
		select {
		case <-ctx.Done():
			result.Aborted = true
			result.TotalDuration = time.Since(start)
			return candidate.FirstDirtyOffset, result, errors.WithStack(ErrCancelled)
		default:
		}

		groupResult, err := lc.rewriter.RewriteGroup(ctx, log, group, lc.offsetMap, truncateCount, deleteHorizonMs)
		result.BytesRead += groupResult.BytesRead
		result.BytesWritten += groupResult.BytesWritten
		result.MessagesRead += groupResult.MessagesRead
		result.MessagesWritten += groupResult.MessagesWritten
		if err != nil {
			result.Aborted = true
			result.TotalDuration = time.Since(start)
			if errors.Is(err, commitlog.ErrOptimisticLockFailure) {
				lc.log.Warnf("cleaner: optimistic lock failure on %s, aborting at original offset %d", log.Name(), candidate.FirstDirtyOffset)
				return candidate.FirstDirtyOffset, result, ErrOptimisticLockFailure
			}
			return candidate.FirstDirtyOffset, result, err
		}
	}

	result.RewriteDuration = time.Since(rewriteStart)
	result.TotalDuration = time.Since(start)
	return endOffset, result, nil
}

// buildMap implements §4.5.1: scan from FirstDirtyOffset up to (not
// including) the active segment's base offset, feeding every key into the
// OffsetMap, stopping early only at a segment boundary once utilization
// has passed the load factor and the next segment starts past
// start + slots*loadFactor.
func (lc *LogCleaner) buildMap(ctx context.Context, candidate LogToClean) (int64, error) {
	log := candidate.Log
	segments := log.LogSegments(candidate.FirstDirtyOffset, candidate.activeBase())
	if len(segments) == 0 {
		return candidate.FirstDirtyOffset, nil
	}

	start := candidate.FirstDirtyOffset
	overshootBound := start + int64(float64(lc.offsetMap.Slots())*lc.cfg.DedupeBufferLoadFactor)
	largest := candidate.FirstDirtyOffset - 1

	for _, seg := range segments {
		select {
		case <-ctx.Done():
			return 0, errors.WithStack(ErrCancelled)
		default:
		}

		if seg.BaseOffset() > overshootBound && lc.offsetMap.Utilization() >= lc.cfg.DedupeBufferLoadFactor {
			break
		}

		max, err := lc.scanSegmentIntoMap(ctx, seg)
		if err != nil {
			return 0, err
		}
		if max > largest {
			largest = max
		}
	}

	return largest + 1, nil
}

func (lc *LogCleaner) scanSegmentIntoMap(ctx context.Context, seg *commitlog.Segment) (int64, error) {
	var pos int64
	size := seg.Size()
	buf := make([]byte, lc.cfg.IoBufferSize)
	largest := int64(-1)

	for pos < size {
		select {
		case <-ctx.Done():
			return 0, errors.WithStack(ErrCancelled)
		default:
		}

		readable := len(buf)
		if int64(readable) > size-pos {
			readable = int(size - pos)
		}
		n, err := seg.ReadAt(buf[:readable], pos)
		if err != nil && n == 0 {
			return 0, errors.Wrap(err, "read segment during map build failed")
		}
		if lc.rewriter.cfg.Throttler != nil {
			if err := lc.rewriter.cfg.Throttler.MaybeThrottle(ctx, n); err != nil {
				return 0, err
			}
		}

		consumed, records, err := lc.rewriter.decodeChunk(buf[:n])
		if err != nil {
			return 0, err
		}
		if consumed == 0 {
			if len(buf) >= lc.cfg.MaxMessageSize {
				return 0, errors.WithStack(ErrMessageTooLarge)
			}
			grown := len(buf) * 2
			if grown > lc.cfg.MaxMessageSize {
				grown = lc.cfg.MaxMessageSize
			}
			buf = make([]byte, grown)
			continue
		}

		for _, rec := range records {
			if rec.Key == nil {
				return 0, errors.WithStack(ErrCorruptLog)
			}
			if err := lc.offsetMap.Put(rec.Key, rec.Offset); err != nil {
				return 0, err
			}
			if rec.Offset > largest {
				largest = rec.Offset
			}
		}
		pos += int64(consumed)
	}
	return largest, nil
}

// deleteHorizon computes deleteHorizonMs per §4.5 step 3: the last
// entirely-clean segment's LastModified minus DeleteRetentionMs, or 0 if
// there is no such segment.
func (lc *LogCleaner) deleteHorizon(candidate LogToClean) int64 {
	clean := candidate.Log.LogSegments(0, candidate.FirstDirtyOffset)
	if len(clean) == 0 {
		return 0
	}
	last := clean[len(clean)-1]
	horizon := last.LastModified().UnixMilli() - candidate.Log.LogConfig().DeleteRetentionMs
	if now := time.Now().UnixMilli(); horizon > now {
		lc.log.Debugf("cleaner: deleteHorizonMs %d for %s is in the future (now=%d); all tombstones in this run are retained",
			horizon, candidate.Log.Name(), now)
	}
	return horizon
}

// groupSegments implements §4.5 step 4: contiguous groups whose cumulative
// message-file size and index size stay within segmentBytes/maxIndexBytes,
// except that a single oversized segment still forms its own group (§9
// "grouping does not split an over-sized segment").
func groupSegments(segments []*commitlog.Segment, segmentBytes, maxIndexBytes int64) [][]*commitlog.Segment {
	var groups [][]*commitlog.Segment
	var current []*commitlog.Segment
	var curBytes, curIndexBytes int64

	for _, seg := range segments {
		segSize := seg.Size()
		segIndexSize := int64(seg.IndexSizeInBytes())

		if len(current) > 0 && (curBytes+segSize > segmentBytes || curIndexBytes+segIndexSize > maxIndexBytes) {
			groups = append(groups, current)
			current = nil
			curBytes, curIndexBytes = 0, 0
		}

		current = append(current, seg)
		curBytes += segSize
		curIndexBytes += segIndexSize
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
