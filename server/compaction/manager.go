package compaction

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/streamkeep/logcleaner/internal/logger"
	"github.com/streamkeep/logcleaner/internal/runid"
)

// RegisteredLog pairs a Log with the checkpoint store for the data
// directory it lives in, and the (topic, partition) identity used as its
// checkpoint key.
type RegisteredLog struct {
	Log       Log
	Topic     string
	Partition int32
	Store     *CheckpointStore
}

// CleanerManager owns the worker pool, the inProgress set, and the
// per-directory CheckpointStores (C6, §4.6). It selects the dirtiest
// eligible log, hands it to a free worker, and updates the checkpoint on
// completion.
type CleanerManager struct {
	cfg       Config
	throttler *Throttler
	stats     *CleanerStats
	log       logger.Logger

	mu         sync.Mutex
	logs       []RegisteredLog
	inProgress map[string]bool

	completions *semaphore.Weighted

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleanerManager constructs a CleanerManager. Call Register for every
// log before Startup, or Register may be called later — selectDirtiest
// simply sees more candidates from then on.
func NewCleanerManager(cfg Config) *CleanerManager {
	cfg.setDefaults()
	throttler := NewThrottler(ThrottlerConfig{
		DesiredBytesPerSec: cfg.MaxIoBytesPerSecond,
		CheckIntervalMs:    cfg.CheckIntervalMs,
		Logger:             cfg.Logger,
	})
	// Every permit starts out held, so AwaitCleaned's Acquire blocks until
	// finishCleaning releases one.
	completions := semaphore.NewWeighted(1 << 30)
	completions.TryAcquire(1 << 30)
	return &CleanerManager{
		cfg:         cfg,
		throttler:   throttler,
		stats:       NewCleanerStats(),
		log:         cfg.Logger,
		inProgress:  map[string]bool{},
		completions: completions,
	}
}

// Stats returns the manager's aggregate CleanerStats.
func (m *CleanerManager) Stats() *CleanerStats { return m.stats }

func partitionID(topic string, partition int32) string {
	// A single string key is enough for inProgress/lock bookkeeping; the
	// manager never needs to parse it back apart.
	return topic + "/" + strconv.FormatInt(int64(partition), 10)
}

// Register adds log to the pool of candidates the manager may select.
func (m *CleanerManager) Register(reg RegisteredLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, reg)
}

// Unregister removes a log from the candidate pool, e.g. when it is
// deleted externally.
func (m *CleanerManager) Unregister(topic string, partition int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := partitionID(topic, partition)
	delete(m.inProgress, id)
	for i, reg := range m.logs {
		if partitionID(reg.Topic, reg.Partition) == id {
			m.logs = append(m.logs[:i], m.logs[i+1:]...)
			break
		}
	}
}

// selectDirtiest implements §4.6 step 1-3 under the manager's global lock:
// build candidates (compact retention, not in-progress, non-empty,
// cleanableRatio above the per-log threshold) and return the one with the
// greatest cleanableRatio, claiming it in inProgress.
func (m *CleanerManager) selectDirtiest() (RegisteredLog, LogToClean, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best RegisteredLog
	var bestCandidate LogToClean
	bestRatio := -1.0
	found := false

	for _, reg := range m.logs {
		if reg.Log.IsDeleted() {
			continue
		}
		id := partitionID(reg.Topic, reg.Partition)
		if m.inProgress[id] {
			continue
		}
		cfg := reg.Log.LogConfig()
		if !cfg.Compact {
			continue
		}

		firstDirty, _ := reg.Store.Get(reg.Topic, reg.Partition)
		candidate := LogToClean{Log: reg.Log, FirstDirtyOffset: firstDirty}

		totalBytes := candidate.cleanBytes() + candidate.dirtyBytes()
		if totalBytes == 0 {
			continue
		}
		ratio := candidate.CleanableRatio()
		if ratio <= cfg.MinCleanableRatio {
			continue
		}
		if ratio > bestRatio {
			best = reg
			bestCandidate = candidate
			bestRatio = ratio
			found = true
		}
	}

	if found {
		m.inProgress[partitionID(best.Topic, best.Partition)] = true
	}
	return best, bestCandidate, found
}

// finishCleaning implements §4.6's finishCleaning: overlay the new
// endOffset onto the directory's checkpoint, atomically rewrite it, free
// the partition from inProgress, and release one completion permit.
func (m *CleanerManager) finishCleaning(reg RegisteredLog, endOffset int64) error {
	err := reg.Store.Set(reg.Topic, reg.Partition, endOffset)
	m.mu.Lock()
	delete(m.inProgress, partitionID(reg.Topic, reg.Partition))
	m.mu.Unlock()
	m.completions.Release(1)
	return err
}

// Startup spawns cfg.NumThreads workers, each running the §4.5.2 state
// machine in a loop until Shutdown cancels them.
func (m *CleanerManager) Startup() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for i := 0; i < m.cfg.NumThreads; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx)
	}
}

// Shutdown signals cancellation to every worker and waits for them to
// exit.
func (m *CleanerManager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *CleanerManager) workerLoop(ctx context.Context) {
	defer m.wg.Done()
	cleaner := NewLogCleaner(m.cfg, m.throttler)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reg, candidate, ok := m.selectDirtiest()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(m.cfg.BackOffMs) * time.Millisecond):
			}
			continue
		}

		runID := runid.New()
		m.log.Debugf("cleaner[%s]: picked %s/%d at firstDirtyOffset=%d ratio=%.3f",
			runID, reg.Topic, reg.Partition, candidate.FirstDirtyOffset, candidate.CleanableRatio())

		endOffset, result, err := cleaner.Clean(ctx, candidate)
		m.stats.RecordRun(result)
		retryable := false
		if err != nil {
			retryable = IsRetryable(err)
			m.log.Errorf("cleaner[%s]: run for %s/%d aborted: %v", runID, reg.Topic, reg.Partition, err)
		} else {
			m.log.Infof("cleaner[%s]: %s/%d cleaned through offset %d (%s)", runID, reg.Topic, reg.Partition, endOffset, m.stats.String())
		}

		if finishErr := m.finishCleaning(reg, endOffset); finishErr != nil {
			m.log.Errorf("cleaner[%s]: checkpoint write for %s/%d failed: %v", runID, reg.Topic, reg.Partition, finishErr)
		}

		// An IoError gets the same backoff as an empty selection: the fault
		// may well still be present on the next attempt (§7).
		if retryable {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(m.cfg.BackOffMs) * time.Millisecond):
			}
		}
	}
}

// AwaitCleaned is the test hook from §4.6: it blocks until the checkpoint
// for (topic, partition) reports an offset >= offset, or timeout elapses.
func (m *CleanerManager) AwaitCleaned(ctx context.Context, reg RegisteredLog, offset int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cur, ok := reg.Store.Get(reg.Topic, reg.Partition); ok && cur >= offset {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		acquireCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		m.completions.Acquire(acquireCtx, 1) // nolint: errcheck
		cancel()
	}
}
