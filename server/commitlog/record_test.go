package commitlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordMarshalUnmarshalRoundTrip(t *testing.T) {
	rec := &Record{Offset: 42, Timestamp: 1000, Key: []byte("k"), Payload: []byte("v")}
	buf := make([]byte, rec.Size())
	n, err := rec.MarshalTo(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	got, err := UnmarshalRecord(buf)
	require.NoError(t, err)
	require.Equal(t, rec.Offset, got.Offset)
	require.Equal(t, rec.Timestamp, got.Timestamp)
	require.Equal(t, rec.Key, got.Key)
	require.Equal(t, rec.Payload, got.Payload)
}

func TestRecordTombstoneHasNilPayload(t *testing.T) {
	rec := &Record{Offset: 1, Key: []byte("k"), Payload: nil}
	require.True(t, rec.IsTombstone())

	buf := make([]byte, rec.Size())
	_, err := rec.MarshalTo(buf)
	require.NoError(t, err)

	got, err := UnmarshalRecord(buf)
	require.NoError(t, err)
	require.True(t, got.IsTombstone())
	require.Nil(t, got.Payload)
}

func TestUnmarshalRecordShortBuffer(t *testing.T) {
	rec := &Record{Offset: 1, Key: []byte("k"), Payload: []byte("v")}
	buf := make([]byte, rec.Size())
	_, err := rec.MarshalTo(buf)
	require.NoError(t, err)

	_, err = UnmarshalRecord(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestUnmarshalRecordInvalidCRC(t *testing.T) {
	rec := &Record{Offset: 1, Key: []byte("k"), Payload: []byte("v")}
	buf := make([]byte, rec.Size())
	_, err := rec.MarshalTo(buf)
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF
	_, err = UnmarshalRecord(buf)
	require.ErrorIs(t, err, ErrInvalidCRC)
}
