package compaction

import (
	"context"

	"github.com/pkg/errors"

	"github.com/streamkeep/logcleaner/internal/logger"
	"github.com/streamkeep/logcleaner/server/commitlog"
)

// RewriterConfig configures a SegmentRewriter (C4, §4.4).
type RewriterConfig struct {
	// IoBufferSize is the starting size of the read buffer.
	IoBufferSize int
	// MaxIoBufferSize is the ceiling a doubling read buffer may grow to
	// before a single oversized message is declared fatal.
	MaxIoBufferSize int
	// IndexIntervalBytes matches the source segments' indexing cadence in
	// the destination (§4.4 step 4).
	IndexIntervalBytes int64
	// MaxIndexBytes sizes the destination segment's offset index file.
	MaxIndexBytes int64
	Throttler     *Throttler
	Logger        logger.Logger
}

// SegmentRewriter rewrites a contiguous group of adjacent source segments
// into one replacement segment, dropping obsolete records per the filled
// OffsetMap (C4, §4.4). Not safe for concurrent use by multiple goroutines
// on the same group; one exists per worker, reused across groups.
type SegmentRewriter struct {
	cfg     RewriterConfig
	readBuf []byte
}

// NewSegmentRewriter constructs a SegmentRewriter. The read buffer starts
// at cfg.IoBufferSize and is restored to that size after each group
// (§4.4 "Buffer policy") so a pathologically large message in one group
// does not bloat steady-state memory.
func NewSegmentRewriter(cfg RewriterConfig) *SegmentRewriter {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger(0)
	}
	return &SegmentRewriter{
		cfg:     cfg,
		readBuf: make([]byte, cfg.IoBufferSize),
	}
}

// RewriteResult reports what a single RewriteGroup call produced, for
// CleanerStats accumulation.
type RewriteResult struct {
	MessagesRead    int64
	MessagesWritten int64
	BytesRead       int64
	BytesWritten    int64
}

// RewriteGroup rewrites sources (adjacent, offset-ordered, already below
// the log's active segment) into one destination segment, per the
// algorithm in §4.4. expectedTruncateCount is the log's truncate counter
// captured before map building started; deleteHorizonMs bounds tombstone
// retention (a source's records retain tombstones iff
// source.LastModified() is after the horizon).
//
// On success the destination has already been spliced into log via
// ReplaceSegments. On any error the staged ".cleaned" files are removed
// and the log is left untouched.
func (rw *SegmentRewriter) RewriteGroup(
	ctx context.Context,
	log Log,
	sources []*commitlog.Segment,
	offsetMap *OffsetMap,
	expectedTruncateCount uint32,
	deleteHorizonMs int64,
) (RewriteResult, error) {
	var result RewriteResult
	if len(sources) == 0 {
		return result, errors.New("rewrite group requires at least one source segment")
	}

	dest, err := commitlog.NewStagingSegment(log.Dir(), sources[0].BaseOffset(), rw.cfg.MaxIndexBytes, rw.cfg.IndexIntervalBytes)
	if err != nil {
		return result, errors.Wrap(err, "create staging segment failed")
	}
	defer rw.resetBuffer()

	for _, src := range sources {
		retainDeletes := src.LastModified().UnixMilli() > deleteHorizonMs
		if err := rw.rewriteSegment(ctx, dest, src, offsetMap, retainDeletes, &result); err != nil {
			commitlog.DiscardStaging(dest) // nolint: errcheck
			return result, err
		}
	}

	dest.SetLastModified(sources[len(sources)-1].LastModified())
	if err := dest.Flush(); err != nil {
		commitlog.DiscardStaging(dest) // nolint: errcheck
		return result, errors.Wrap(err, "flush destination segment failed")
	}
	if err := log.ReplaceSegments(dest, sources, expectedTruncateCount); err != nil {
		commitlog.DiscardStaging(dest) // nolint: errcheck
		return result, err
	}

	rw.cfg.Logger.Infof("rewriter: replaced %d source segment(s) starting at offset %d: read %d bytes/%d messages, wrote %d bytes/%d messages",
		len(sources), sources[0].BaseOffset(), result.BytesRead, result.MessagesRead, result.BytesWritten, result.MessagesWritten)
	return result, nil
}

// rewriteSegment streams one source segment through the filter, growing
// the read buffer on demand per §4.4 step 5, and appends surviving
// records directly to dest (whose own buffered writer performs the
// physical write-side batching).
func (rw *SegmentRewriter) rewriteSegment(
	ctx context.Context,
	dest *commitlog.Segment,
	src *commitlog.Segment,
	offsetMap *OffsetMap,
	retainDeletes bool,
	result *RewriteResult,
) error {
	var pos int64
	size := src.Size()

	for pos < size {
		select {
		case <-ctx.Done():
			return errors.WithStack(ErrCancelled)
		default:
		}

		readable := len(rw.readBuf)
		if int64(readable) > size-pos {
			readable = int(size - pos)
		}
		n, err := src.ReadAt(rw.readBuf[:readable], pos)
		if err != nil && n == 0 {
			return errors.Wrap(err, "read source segment failed")
		}
		if rw.cfg.Throttler != nil {
			if err := rw.cfg.Throttler.MaybeThrottle(ctx, n); err != nil {
				return err
			}
		}
		result.BytesRead += int64(n)

		consumed, decoded, err := rw.decodeChunk(rw.readBuf[:n])
		if err != nil {
			return err
		}
		if consumed == 0 {
			if len(rw.readBuf) >= rw.cfg.MaxIoBufferSize {
				return errors.WithStack(ErrMessageTooLarge)
			}
			grown := len(rw.readBuf) * 2
			if grown > rw.cfg.MaxIoBufferSize {
				grown = rw.cfg.MaxIoBufferSize
			}
			rw.readBuf = make([]byte, grown)
			continue // re-read at the same pos with a bigger buffer
		}

		for _, rec := range decoded {
			result.MessagesRead++
			if rec.Key == nil {
				return errors.WithStack(ErrCorruptLog)
			}
			mapped := offsetMap.Get(rec.Key)
			if mapped > rec.Offset {
				continue // a newer write for this key exists
			}
			if rec.IsTombstone() && !retainDeletes {
				continue
			}
			if _, err := dest.Append(rec); err != nil {
				return errors.Wrap(err, "append to destination segment failed")
			}
			if rw.cfg.Throttler != nil {
				if err := rw.cfg.Throttler.MaybeThrottle(ctx, int(rec.Size())); err != nil {
					return err
				}
			}
			result.MessagesWritten++
			result.BytesWritten += int64(rec.Size())
		}
		pos += int64(consumed)
	}
	return nil
}

// decodeChunk decodes as many complete records as buf holds, returning how
// many bytes were consumed (always a whole number of records) and the
// decoded records.
func (rw *SegmentRewriter) decodeChunk(buf []byte) (consumed int, records []*commitlog.Record, err error) {
	for len(buf) > consumed {
		rec, decodeErr := commitlog.UnmarshalRecord(buf[consumed:])
		if decodeErr != nil {
			if errors.Is(decodeErr, commitlog.ErrShortBuffer) {
				break
			}
			if errors.Is(decodeErr, commitlog.ErrInvalidCRC) {
				return consumed, records, errors.WithStack(ErrCorruptLog)
			}
			return consumed, records, errors.Wrap(decodeErr, "decode record failed")
		}
		records = append(records, rec)
		consumed += int(rec.Size())
	}
	return consumed, records, nil
}

func (rw *SegmentRewriter) resetBuffer() {
	if len(rw.readBuf) != rw.cfg.IoBufferSize {
		rw.readBuf = make([]byte, rw.cfg.IoBufferSize)
	}
}
