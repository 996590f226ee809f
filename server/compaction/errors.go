package compaction

import (
	"github.com/pkg/errors"

	"github.com/streamkeep/logcleaner/server/commitlog"
)

// Error kinds from §7. Workers never propagate these out of the run loop;
// each is caught at the per-log boundary, logged appropriately, and the
// worker resumes with the next candidate log.
var (
	// ErrOptimisticLockFailure is re-exported for convenience; it is the
	// same sentinel commitlog.ReplaceSegments returns. The log was
	// truncated under the worker's feet during a clean.
	ErrOptimisticLockFailure = commitlog.ErrOptimisticLockFailure

	// ErrCancelled indicates the manager's shutdown signal fired mid-run.
	ErrCancelled = errors.New("cleaning cancelled")

	// ErrCorruptLog indicates a null key in a compacted log, or an
	// otherwise impossible offset ordering.
	ErrCorruptLog = errors.New("corrupt log: null key in compacted log")

	// ErrMessageTooLarge indicates a single record exceeds MaxMessageSize
	// even after growing the read buffer to its ceiling.
	ErrMessageTooLarge = errors.New("message exceeds configured maximum size")

	// ErrMapFull indicates an insert was attempted into an OffsetMap that
	// had already reached capacity for a new (not overwrite) key. This
	// should never happen if callers honor Utilization as documented; its
	// occurrence is a fatal assertion failure in the map-build loop.
	ErrMapFull = errors.New("offset map is full")
)

// IsRetryable reports whether err is the kind of disk fault (§7 IoError)
// that should simply send the worker back to sleep and retry selection, as
// opposed to an assertion failure, corruption, or control-flow signal that
// the worker handles some other way.
func IsRetryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrCorruptLog) &&
		!errors.Is(err, ErrMessageTooLarge) &&
		!errors.Is(err, ErrMapFull) &&
		!errors.Is(err, ErrCancelled) &&
		!errors.Is(err, ErrOptimisticLockFailure)
}
