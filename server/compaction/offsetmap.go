package compaction

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"hash"

	"github.com/pkg/errors"
)

// absentOffset is the sentinel Get returns for a digest with no entry,
// per §3's "-1" convention.
const absentOffset int64 = -1

// HashAlgorithm selects the digest OffsetMap uses to derive fixed-width key
// digests (§6 CleanerConfig.hashAlgorithm).
type HashAlgorithm int

const (
	// HashMD5 produces 16-byte digests.
	HashMD5 HashAlgorithm = iota
	// HashSHA1 produces 20-byte digests.
	HashSHA1
)

func (h HashAlgorithm) newHasher() hash.Hash {
	switch h {
	case HashSHA1:
		return sha1.New()
	default:
		return md5.New()
	}
}

func (h HashAlgorithm) digestWidth() int {
	switch h {
	case HashSHA1:
		return sha1.Size
	default:
		return md5.Size
	}
}

// OffsetMap is the bounded-memory, fixed-capacity key-digest→offset table
// described in §3/§4.2 (C2). It is backed by a single contiguous byte
// buffer sized at construction from a memory budget; there is no resize.
// Each slot is (digest, offset): an all-zero digest with offset -1 marks an
// empty slot. Not safe for concurrent use — one OffsetMap per worker.
type OffsetMap struct {
	hasher     hash.Hash
	digestSize int
	slotSize   int
	slots      int64
	buf        []byte
	occupied   int64
}

// NewOffsetMap constructs an OffsetMap sized so that
// slots * (digestWidth + 8) <= memoryBytes, per §4.2.
func NewOffsetMap(memoryBytes int64, algo HashAlgorithm) *OffsetMap {
	digestSize := algo.digestWidth()
	slotSize := digestSize + 8
	slots := memoryBytes / int64(slotSize)
	if slots < 1 {
		slots = 1
	}
	m := &OffsetMap{
		hasher:     algo.newHasher(),
		digestSize: digestSize,
		slotSize:   slotSize,
		slots:      slots,
		buf:        make([]byte, slots*int64(slotSize)),
	}
	m.clearBuf()
	return m
}

func (m *OffsetMap) clearBuf() {
	for i := int64(0); i < m.slots; i++ {
		m.setSlot(i, m.emptyDigest(), absentOffset)
	}
}

func (m *OffsetMap) emptyDigest() []byte {
	return make([]byte, m.digestSize)
}

func (m *OffsetMap) digest(key []byte) []byte {
	m.hasher.Reset()
	m.hasher.Write(key) // nolint: errcheck
	return m.hasher.Sum(nil)
}

func (m *OffsetMap) slotAt(i int64) (digest []byte, offset int64) {
	base := i * int64(m.slotSize)
	digest = m.buf[base : base+int64(m.digestSize)]
	offset = int64(binary.BigEndian.Uint64(m.buf[base+int64(m.digestSize) : base+int64(m.slotSize)]))
	return digest, offset
}

func (m *OffsetMap) setSlot(i int64, digest []byte, offset int64) {
	base := i * int64(m.slotSize)
	copy(m.buf[base:base+int64(m.digestSize)], digest)
	binary.BigEndian.PutUint64(m.buf[base+int64(m.digestSize):base+int64(m.slotSize)], uint64(offset))
}

// startSlot derives the initial probe slot (digest mod slots, §4.2) from
// the leading 8 bytes of the digest, which is always at least that wide
// (MD5 16 bytes, SHA-1 20 bytes).
func (m *OffsetMap) startSlot(digest []byte) int64 {
	h := binary.BigEndian.Uint64(digest[:8])
	return int64(h % uint64(m.slots))
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func equalDigest(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Put inserts or overwrites the offset stored for key, probing linearly
// from digest mod slots (§4.2). Overwrites of an already-present key
// always succeed, even once the map is at capacity; a new insert into a
// full map returns ErrMapFull, per the fails-loudly-on-new-insert
// contract — callers are expected to stop feeding keys before this
// happens by honoring Utilization.
func (m *OffsetMap) Put(key []byte, offset int64) error {
	d := m.digest(key)
	start := m.startSlot(d)
	for probed := int64(0); probed < m.slots; probed++ {
		i := (start + probed) % m.slots
		slotDigest, slotOffset := m.slotAt(i)
		if isZero(slotDigest) && slotOffset == absentOffset {
			if m.occupied >= m.slots {
				return errors.WithStack(ErrMapFull)
			}
			m.setSlot(i, d, offset)
			m.occupied++
			return nil
		}
		if equalDigest(slotDigest, d) {
			m.setSlot(i, d, offset)
			return nil
		}
	}
	return errors.WithStack(ErrMapFull)
}

// Get returns the stored offset for key, or -1 if absent.
func (m *OffsetMap) Get(key []byte) int64 {
	d := m.digest(key)
	start := m.startSlot(d)
	for probed := int64(0); probed < m.slots; probed++ {
		i := (start + probed) % m.slots
		slotDigest, slotOffset := m.slotAt(i)
		if isZero(slotDigest) && slotOffset == absentOffset {
			return absentOffset
		}
		if equalDigest(slotDigest, d) {
			return slotOffset
		}
	}
	return absentOffset
}

// Clear returns the map to empty, zeroing the buffer and resetting the
// occupied count.
func (m *OffsetMap) Clear() {
	m.clearBuf()
	m.occupied = 0
}

// Slots is the fixed slot capacity.
func (m *OffsetMap) Slots() int64 { return m.slots }

// Utilization is occupied / slots.
func (m *OffsetMap) Utilization() float64 {
	if m.slots == 0 {
		return 0
	}
	return float64(m.occupied) / float64(m.slots)
}
