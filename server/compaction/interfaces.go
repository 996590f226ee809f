// Package compaction implements the log compaction engine: a
// bounded-memory key-to-offset index (OffsetMap), an I/O-throttled segment
// rewrite pipeline (SegmentRewriter), the per-log cleaning algorithm
// (LogCleaner), and the cooperative multi-log scheduler (CleanerManager),
// plus the Throttler and CheckpointStore they share.
//
// The engine never imports a concrete broker, replica, or metadata type —
// it depends only on the narrow Log/Segment capability interfaces below,
// which commitlog.Log and commitlog.Segment satisfy. Everything else
// (partition leadership, replica fetch, producer pipelines, ZooKeeper
// metadata) is an external collaborator out of scope (§1 Non-goals).
package compaction

import (
	"github.com/streamkeep/logcleaner/server/commitlog"
)

// Log is the minimum contract the engine requires of the durable log it
// cleans (§6). It is a narrow capability object, not a tagged variant:
// there is one implementation (*commitlog.Log), which the tests use as
// well.
type Log interface {
	Name() string
	Dir() string
	LogConfig() commitlog.Config
	ActiveSegment() *commitlog.Segment
	LogSegments(fromOffset, toOffset int64) []*commitlog.Segment
	AllSegments() []*commitlog.Segment
	NumberOfTruncates() uint32
	ReplaceSegments(newSegment *commitlog.Segment, oldSegments []*commitlog.Segment, expectedTruncateCount uint32) error
	IsDeleted() bool
}

var _ Log = (*commitlog.Log)(nil)
