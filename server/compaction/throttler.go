package compaction

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/streamkeep/logcleaner/internal/logger"
)

// defaultCheckIntervalMs is the default throttling window (§4.1: 300ms).
const defaultCheckIntervalMs = 300

// Throttler rate-limits the aggregate bytes read and written across every
// worker to a configured ceiling (C1, §4.1). It is shared: one instance per
// CleanerManager, handed to every worker's SegmentRewriter and map-build
// loop.
type Throttler struct {
	limiter *rate.Limiter
	log     logger.Logger
}

// ThrottlerConfig configures a Throttler.
type ThrottlerConfig struct {
	// DesiredBytesPerSec is the global I/O ceiling. Zero disables
	// throttling entirely (MaybeThrottle becomes a no-op).
	DesiredBytesPerSec int64
	// CheckIntervalMs sizes the limiter's burst: one interval's worth of
	// bytes at DesiredBytesPerSec. Zero means the 300ms default.
	CheckIntervalMs int64
	Logger          logger.Logger
}

// NewThrottler constructs a Throttler per cfg. A zero DesiredBytesPerSec
// yields an unthrottled limiter (burst and rate both effectively
// unlimited), matching "no ceiling configured" rather than "block
// forever".
func NewThrottler(cfg ThrottlerConfig) *Throttler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger(0)
	}
	if cfg.CheckIntervalMs == 0 {
		cfg.CheckIntervalMs = defaultCheckIntervalMs
	}
	if cfg.DesiredBytesPerSec <= 0 {
		return &Throttler{limiter: rate.NewLimiter(rate.Inf, 0), log: log}
	}
	// Burst equal to one check interval's worth of bytes: the limiter
	// tolerates a burst up to that window before blocking.
	burst := int(cfg.DesiredBytesPerSec * cfg.CheckIntervalMs / 1000)
	if burst < 1 {
		burst = 1
	}
	return &Throttler{
		limiter: rate.NewLimiter(rate.Limit(cfg.DesiredBytesPerSec), burst),
		log:     log,
	}
}

// MaybeThrottle accounts n bytes against the budget, blocking the calling
// goroutine just long enough to bring the windowed rate back under the
// configured ceiling (§4.1). Cheap when under budget: rate.Limiter.WaitN
// returns immediately when tokens are already available, with no syscall
// on that path.
func (t *Throttler) MaybeThrottle(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	burst := t.limiter.Burst()
	if burst > 0 && n > burst {
		// A single read/write chunk larger than one window's burst would
		// otherwise deadlock WaitN (it refuses requests above Burst).
		// Split it into burst-sized slices throttled in sequence.
		for remaining := n; remaining > 0; {
			chunk := remaining
			if chunk > burst {
				chunk = burst
			}
			if err := t.limiter.WaitN(ctx, chunk); err != nil {
				return err
			}
			remaining -= chunk
		}
		return nil
	}
	return t.limiter.WaitN(ctx, n)
}
