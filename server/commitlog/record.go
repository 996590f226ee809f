package commitlog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Record is a single entry in a Log: (offset, key, payload, size) per the
// data model. A nil Payload marks a tombstone. A nil Key is forbidden in a
// compacted log; CorruptLog is raised if one is encountered while cleaning.
type Record struct {
	Offset    int64
	Timestamp int64
	Key       []byte
	Payload   []byte
}

// IsTombstone reports whether this record marks a logical deletion.
func (r *Record) IsTombstone() bool { return r.Payload == nil }

const (
	totalSizeBytes = 4
	offsetBytes    = 8
	crcBytes       = 4
	timestampBytes = 8
	keySizeBytes   = 4
	valSizeBytes   = 4

	// recordHeaderSize is the fixed-width prefix of every on-disk record,
	// before the variable-length key and payload bytes.
	recordHeaderSize = totalSizeBytes + offsetBytes + crcBytes + timestampBytes + keySizeBytes + valSizeBytes

	nullLength = -1
)

// ErrShortBuffer is returned when a buffer does not hold a complete record.
var ErrShortBuffer = errors.New("buffer too small for record")

// ErrInvalidCRC is returned when a record's checksum does not match its
// decoded bytes. Treated as CorruptLog by callers.
var ErrInvalidCRC = errors.New("record checksum mismatch")

// ErrNullKey is returned when a record with no key is decoded in a context
// that forbids it (compacted logs never tolerate a null key).
var ErrNullKey = errors.New("record has a null key")

// Size returns the total on-disk size of the record, header included.
func (r *Record) Size() uint32 {
	size := uint32(recordHeaderSize)
	size += uint32(len(r.Key))
	size += uint32(len(r.Payload))
	return size
}

// MarshalTo encodes the record into dest, which must be at least Size()
// bytes long, and returns the number of bytes written.
func (r *Record) MarshalTo(dest []byte) (int, error) {
	total := r.Size()
	if len(dest) < int(total) {
		return 0, ErrShortBuffer
	}

	keyLen := int32(nullLength)
	if r.Key != nil {
		keyLen = int32(len(r.Key))
	}
	valLen := int32(nullLength)
	if r.Payload != nil {
		valLen = int32(len(r.Payload))
	}

	binary.LittleEndian.PutUint32(dest[0:4], total)
	binary.LittleEndian.PutUint64(dest[4:12], uint64(r.Offset))
	binary.LittleEndian.PutUint32(dest[12:16], 0) // CRC placeholder
	binary.LittleEndian.PutUint64(dest[16:24], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(dest[24:28], uint32(keyLen))
	binary.LittleEndian.PutUint32(dest[28:32], uint32(valLen))

	pos := recordHeaderSize
	if keyLen > 0 {
		copy(dest[pos:pos+int(keyLen)], r.Key)
		pos += int(keyLen)
	}
	if valLen > 0 {
		copy(dest[pos:pos+int(valLen)], r.Payload)
	}

	crc := crc32.ChecksumIEEE(dest[16:total])
	binary.LittleEndian.PutUint32(dest[12:16], crc)

	return int(total), nil
}

// recordHeader is the decoded fixed-width prefix of an on-disk record.
type recordHeader struct {
	totalSize uint32
	offset    int64
	crc       uint32
	timestamp int64
	keySize   int32
	valSize   int32
}

func decodeRecordHeader(src []byte) (recordHeader, error) {
	if len(src) < recordHeaderSize {
		return recordHeader{}, ErrShortBuffer
	}
	return recordHeader{
		totalSize: binary.LittleEndian.Uint32(src[0:4]),
		offset:    int64(binary.LittleEndian.Uint64(src[4:12])),
		crc:       binary.LittleEndian.Uint32(src[12:16]),
		timestamp: int64(binary.LittleEndian.Uint64(src[16:24])),
		keySize:   int32(binary.LittleEndian.Uint32(src[24:28])),
		valSize:   int32(binary.LittleEndian.Uint32(src[28:32])),
	}, nil
}

// UnmarshalRecord decodes a single record starting at src[0]. It returns
// ErrShortBuffer if src does not yet hold a complete record (the caller
// should grow its read buffer and retry), or ErrInvalidCRC if the decoded
// bytes fail their checksum.
func UnmarshalRecord(src []byte) (*Record, error) {
	h, err := decodeRecordHeader(src)
	if err != nil {
		return nil, err
	}
	if uint32(len(src)) < h.totalSize {
		return nil, ErrShortBuffer
	}

	if crc32.ChecksumIEEE(src[16:h.totalSize]) != h.crc {
		return nil, ErrInvalidCRC
	}

	r := &Record{Offset: h.offset, Timestamp: h.timestamp}
	pos := recordHeaderSize
	if h.keySize >= 0 {
		r.Key = append([]byte(nil), src[pos:pos+int(h.keySize)]...)
		pos += int(h.keySize)
	}
	if h.valSize >= 0 {
		r.Payload = append([]byte(nil), src[pos:pos+int(h.valSize)]...)
	}
	return r, nil
}
