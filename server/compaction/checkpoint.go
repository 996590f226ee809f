package compaction

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// checkpointFileName is the per-data-directory file §4.3 describes.
const checkpointFileName = "cleaner-offset-checkpoint"

// checkpointVersion is the only version this store writes or accepts.
const checkpointVersion = 0

// partitionKey identifies one partition's entry within a directory's
// checkpoint file.
type partitionKey struct {
	topic     string
	partition int32
}

// CheckpointStore durably records, per data directory, the first
// not-yet-cleaned offset for every partition whose log lives there (C3,
// §4.3). One store exists per data directory; all read-modify-write
// operations across every worker touching that directory serialize through
// mu, since every partition sharing the directory shares one checkpoint
// file.
type CheckpointStore struct {
	dir string

	mu      sync.Mutex
	entries map[partitionKey]int64
}

// OpenCheckpointStore loads (or initializes empty) the checkpoint file for
// dir. A missing file is not an error; it simply yields an empty mapping,
// per §4.3.
func OpenCheckpointStore(dir string) (*CheckpointStore, error) {
	s := &CheckpointStore{dir: dir, entries: map[partitionKey]int64{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CheckpointStore) path() string {
	return fmt.Sprintf("%s/%s", s.dir, checkpointFileName)
}

func (s *CheckpointStore) load() error {
	f, err := os.Open(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "open checkpoint file failed")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil
	}
	if strings.TrimSpace(scanner.Text()) != strconv.Itoa(checkpointVersion) {
		return errors.New("unsupported checkpoint file version")
	}
	if !scanner.Scan() {
		return nil
	}
	count, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return errors.Wrap(err, "parse checkpoint entry count failed")
	}
	entries := make(map[partitionKey]int64, count)
	for i := 0; i < count && scanner.Scan(); i++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return errors.Errorf("malformed checkpoint line %q", scanner.Text())
		}
		partition, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return errors.Wrap(err, "parse checkpoint partition id failed")
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse checkpoint offset failed")
		}
		entries[partitionKey{topic: fields[0], partition: int32(partition)}] = offset
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read checkpoint file failed")
	}
	s.entries = entries
	return nil
}

// Get returns the checkpointed first-dirty-offset for (topic, partition),
// and whether an entry exists at all (a missing entry means "never
// cleaned"; callers treat that as firstDirtyOffset = 0).
func (s *CheckpointStore) Get(topic string, partition int32) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[partitionKey{topic: topic, partition: partition}]
	return v, ok
}

// Set overlays (topic, partition) -> offset onto the in-memory map and
// atomically rewrites the file (write-to-temp + rename, §4.3), rejecting
// any attempt to move a checkpoint backwards (§8 invariant 6: checkpoint
// values never decrease).
func (s *CheckpointStore) Set(topic string, partition int32, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partitionKey{topic: topic, partition: partition}
	if cur, ok := s.entries[key]; ok && offset < cur {
		return errors.Errorf("checkpoint regression for %s/%d: %d < %d", topic, partition, offset, cur)
	}
	s.entries[key] = offset
	return s.flushLocked()
}

// All returns a snapshot of every entry this store currently holds.
func (s *CheckpointStore) All() map[partitionKey]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[partitionKey]int64, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

func (s *CheckpointStore) flushLocked() error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", checkpointVersion)
	fmt.Fprintf(&b, "%d\n", len(s.entries))
	for k, v := range s.entries {
		fmt.Fprintf(&b, "%s %d %d\n", k.topic, k.partition, v)
	}
	if err := atomicfile.WriteFile(s.path(), strings.NewReader(b.String())); err != nil {
		return errors.Wrap(err, "atomically write checkpoint file failed")
	}
	return nil
}
