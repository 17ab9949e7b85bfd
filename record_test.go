package faster

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestRecordInfoPacking(t *testing.T) {
	assert := assertion.New(t)

	info := NewRecordInfo(0x2ABC, Address(0x123456789ABC), false)
	assert.Equal(uint16(0x2ABC), info.Version())
	assert.Equal(Address(0x123456789ABC), info.PreviousAddress())
	assert.False(info.Invalid())
	assert.False(info.Tombstone())
	assert.False(info.IsNull())

	inv := info.SetInvalid()
	assert.True(inv.Invalid())
	assert.Equal(info.Version(), inv.Version())
	assert.Equal(info.PreviousAddress(), inv.PreviousAddress())

	tomb := NewRecordInfo(1, InvalidAddress, true)
	assert.True(tomb.Tombstone())
	assert.Equal(InvalidAddress, tomb.PreviousAddress())

	// version is truncated to its 14-bit field
	wide := NewRecordInfo(0xFFFF, 0, false)
	assert.Equal(uint16(0x3FFF), wide.Version())

	var null RecordInfo
	assert.True(null.IsNull())
}

func TestRecordEncodeDecode(t *testing.T) {
	assert := assertion.New(t)

	key := []byte("record-key")
	value := []byte("record-value-payload")
	info := NewRecordInfo(7, Address(4096), false)

	buf := make([]byte, 1024)
	n := encodeRecord(buf, info, key, value)
	assert.Equal(encodedRecordSize(key, value), n)
	assert.Zero(n % recordAlign)

	assert.Equal(info, readInfo(buf))
	assert.Equal(n, recordSize(buf))
	assert.Equal(key, recordKey(buf))
	assert.Equal(value, recordValue(buf))
}

func TestBucketEntryPacking(t *testing.T) {
	assert := assertion.New(t)

	e := NewBucketEntry(Address(0xABCDEF012345), 0x1FFF)
	assert.Equal(Address(0xABCDEF012345), e.Address())
	assert.Equal(uint16(0x1FFF), e.Tag())
	assert.False(e.Free())
	assert.False(e.Pending())
	assert.False(e.Tentative())

	var zero BucketEntry
	assert.True(zero.Free())
}

func TestChunkCompressSnappy(t *testing.T) {
	assert := assertion.New(t)
	in := make([]byte, 4096)
	for i := range in {
		in[i] = byte(i % 7)
	}
	out := CompSnappy.Compressor()(in)
	t.Log(len(in), "->", len(out))
	back, err := CompSnappy.DeCompressor()(out)
	assert.NoError(err)
	assert.Equal(in, back)
}

func TestChunkCompressLz4(t *testing.T) {
	assert := assertion.New(t)
	in := make([]byte, 4096)
	for i := range in {
		in[i] = byte(i % 13)
	}
	out := CompLz4.Compressor()(in)
	t.Log(len(in), "->", len(out))
	back, err := CompLz4.DeCompressor()(out)
	assert.NoError(err)
	assert.Equal(in, back)
}

func TestChunkCompressNone(t *testing.T) {
	assert := assertion.New(t)
	assert.Nil(CompNone.Compressor())
	assert.Nil(CompNone.DeCompressor())
}
