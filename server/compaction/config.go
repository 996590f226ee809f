package compaction

import (
	"github.com/streamkeep/logcleaner/internal/logger"
)

// maxDedupeBufferPerWorker caps each worker's share of DedupeBufferSize at
// 2 GiB, per the §6 configuration surface table.
const maxDedupeBufferPerWorker = 2 << 30

// Config is the CleanerConfig enumerated in §6's "Configuration surface"
// table: everything the CleanerManager and its workers need beyond the
// per-log commitlog.Config each candidate log already carries.
type Config struct {
	// NumThreads is the number of worker goroutines.
	NumThreads int
	// DedupeBufferSize is the total OffsetMap memory budget, divided
	// evenly among workers (capped per worker at 2 GiB).
	DedupeBufferSize int64
	// DedupeBufferLoadFactor bounds OffsetMap utilization; also controls
	// early-stop during map build (§4.5.1).
	DedupeBufferLoadFactor float64
	// IoBufferSize is each worker's initial read/write buffer size.
	IoBufferSize int
	// MaxMessageSize bounds buffer growth; exceeding it is fatal
	// (ErrMessageTooLarge).
	MaxMessageSize int
	// MaxIoBytesPerSecond is the global throttle ceiling shared by every
	// worker.
	MaxIoBytesPerSecond int64
	// BackOffMs is the idle sleep when nothing is cleanable.
	BackOffMs int64
	// HashAlgorithm selects the OffsetMap's digest.
	HashAlgorithm HashAlgorithm
	// CheckIntervalMs is the Throttler's window (§4.1), default 300ms.
	CheckIntervalMs int64

	Logger logger.Logger
}

// defaultConfig fills zero-value fields at construction
// (commitlog.Config.setDefaults follows the same pattern) rather than
// requiring every caller to specify every knob.
func defaultConfig() Config {
	return Config{
		NumThreads:             1,
		DedupeBufferSize:       64 << 20,
		DedupeBufferLoadFactor: 0.75,
		IoBufferSize:           1 << 20,
		MaxMessageSize:         32 << 20,
		MaxIoBytesPerSecond:    0,
		BackOffMs:              15000,
		HashAlgorithm:          HashMD5,
		CheckIntervalMs:        defaultCheckIntervalMs,
	}
}

// setDefaults fills any zero-valued field with its documented default.
func (c *Config) setDefaults() {
	d := defaultConfig()
	if c.NumThreads == 0 {
		c.NumThreads = d.NumThreads
	}
	if c.DedupeBufferSize == 0 {
		c.DedupeBufferSize = d.DedupeBufferSize
	}
	if c.DedupeBufferLoadFactor == 0 {
		c.DedupeBufferLoadFactor = d.DedupeBufferLoadFactor
	}
	if c.IoBufferSize == 0 {
		c.IoBufferSize = d.IoBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.BackOffMs == 0 {
		c.BackOffMs = d.BackOffMs
	}
	if c.CheckIntervalMs == 0 {
		c.CheckIntervalMs = d.CheckIntervalMs
	}
	if c.Logger == nil {
		c.Logger = logger.NewLogger(0)
	}
}

// perWorkerDedupeBytes divides DedupeBufferSize evenly among NumThreads,
// capped at maxDedupeBufferPerWorker.
func (c Config) perWorkerDedupeBytes() int64 {
	share := c.DedupeBufferSize / int64(c.NumThreads)
	if share > maxDedupeBufferPerWorker {
		share = maxDedupeBufferPerWorker
	}
	if share < 1 {
		share = 1
	}
	return share
}
