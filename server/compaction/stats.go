package compaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
)

// CleanerStats holds the purely observational per-run counters §3
// describes: bytes/messages read and written, index build time, total
// elapsed time. It is shared by a CleanerManager across every worker and
// every log it cleans; mutations are serialized by mu.
type CleanerStats struct {
	mu sync.Mutex

	runsCompleted int64
	runsAborted   int64

	bytesRead       int64
	bytesWritten    int64
	messagesRead    int64
	messagesWritten int64

	mapBuildDurations *hdrhistogram.Histogram
	rewriteDurations  *hdrhistogram.Histogram
	totalDurations    *hdrhistogram.Histogram
}

// NewCleanerStats constructs an empty CleanerStats. Histograms track
// durations from 1 microsecond to 1 hour with 3 significant figures; a
// duration above one hour is outside that range and is not recorded.
func NewCleanerStats() *CleanerStats {
	return &CleanerStats{
		mapBuildDurations: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
		rewriteDurations:  hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
		totalDurations:    hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
	}
}

// RecordRun folds one completed (or aborted) LogCleaner run into the
// aggregate counters.
func (s *CleanerStats) RecordRun(result RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.Aborted {
		s.runsAborted++
	} else {
		s.runsCompleted++
	}
	s.bytesRead += result.BytesRead
	s.bytesWritten += result.BytesWritten
	s.messagesRead += result.MessagesRead
	s.messagesWritten += result.MessagesWritten

	s.mapBuildDurations.RecordValue(result.MapBuildDuration.Microseconds()) // nolint: errcheck
	s.rewriteDurations.RecordValue(result.RewriteDuration.Microseconds())   // nolint: errcheck
	s.totalDurations.RecordValue(result.TotalDuration.Microseconds())       // nolint: errcheck
}

// String renders a human-readable snapshot for log lines, using
// go-humanize for byte counts and durafmt for the elapsed-time
// percentiles.
func (s *CleanerStats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	p50 := time.Duration(s.totalDurations.ValueAtQuantile(50)) * time.Microsecond
	p99 := time.Duration(s.totalDurations.ValueAtQuantile(99)) * time.Microsecond

	return fmt.Sprintf(
		"runs=%d aborted=%d read=%s/%d msgs written=%s/%d msgs p50=%s p99=%s",
		s.runsCompleted, s.runsAborted,
		humanize.Bytes(uint64(s.bytesRead)), s.messagesRead,
		humanize.Bytes(uint64(s.bytesWritten)), s.messagesWritten,
		durafmt.Parse(p50).LimitFirstN(2).String(),
		durafmt.Parse(p99).LimitFirstN(2).String(),
	)
}

// RunResult summarizes one LogCleaner.Clean invocation, successful or
// aborted, for stats accumulation.
type RunResult struct {
	Aborted          bool
	BytesRead        int64
	BytesWritten     int64
	MessagesRead     int64
	MessagesWritten  int64
	MapBuildDuration time.Duration
	RewriteDuration  time.Duration
	TotalDuration    time.Duration
}
