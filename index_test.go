package faster

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestFindOrCreateTag(t *testing.T) {
	assert := assertion.New(t)
	ix := NewHashIndex(16)

	hash := uint64(3) | uint64(42)<<hashTagShift
	tag := HashTag(hash)
	assert.Equal(uint16(42), tag)

	bucket, slot, entry := ix.FindOrCreateTag(hash, tag, FirstValidAddress)
	assert.True(entry.Free())
	ix.Install(bucket, slot, NewBucketEntry(Address(128), tag))

	found, ok := ix.FindTag(hash, tag, FirstValidAddress)
	assert.True(ok)
	assert.Equal(Address(128), found.Address())

	// same hash and tag resolves to the same slot
	b2, s2, e2 := ix.FindOrCreateTag(hash, tag, FirstValidAddress)
	assert.Equal(bucket, b2)
	assert.Equal(slot, s2)
	assert.Equal(Address(128), e2.Address())

	// entries below the begin address are dead
	_, ok = ix.FindTag(hash, tag, Address(4096))
	assert.False(ok)
}

func TestBucketOverflow(t *testing.T) {
	assert := assertion.New(t)
	ix := NewHashIndex(16)

	// ten distinct tags landing in bucket 5 force an overflow bucket
	for j := uint64(0); j < 10; j++ {
		hash := uint64(5) | j<<hashTagShift
		bucket, slot, entry := ix.FindOrCreateTag(hash, HashTag(hash), FirstValidAddress)
		assert.True(entry.Free())
		ix.Install(bucket, slot, NewBucketEntry(Address(64+j*64), HashTag(hash)))
	}
	assert.Len(ix.overflow, 1)

	for j := uint64(0); j < 10; j++ {
		hash := uint64(5) | j<<hashTagShift
		e, ok := ix.FindTag(hash, HashTag(hash), FirstValidAddress)
		assert.True(ok)
		assert.Equal(Address(64+j*64), e.Address())
	}
}

func TestIndexSerializeRestore(t *testing.T) {
	assert := assertion.New(t)
	ix := NewHashIndex(16)
	for j := uint64(0); j < 12; j++ {
		hash := uint64(5) | j<<hashTagShift
		bucket, slot, _ := ix.FindOrCreateTag(hash, HashTag(hash), FirstValidAddress)
		ix.Install(bucket, slot, NewBucketEntry(Address(64+j*128), HashTag(hash)))
	}

	restored, err := RestoreHashIndex(ix.Serialize())
	assert.NoError(err)
	assert.Equal(ix.NumBuckets(), restored.NumBuckets())
	assert.Len(restored.overflow, len(ix.overflow))
	for j := uint64(0); j < 12; j++ {
		hash := uint64(5) | j<<hashTagShift
		e, ok := restored.FindTag(hash, HashTag(hash), FirstValidAddress)
		assert.True(ok)
		assert.Equal(Address(64+j*128), e.Address())
	}
}

func TestRestoreHashIndexCorrupt(t *testing.T) {
	assert := assertion.New(t)

	_, err := RestoreHashIndex([]byte{1, 2, 3})
	assert.True(errors.Is(err, ErrCorruptMetadata))

	image := NewHashIndex(16).Serialize()
	_, err = RestoreHashIndex(image[:len(image)-8])
	assert.True(errors.Is(err, ErrCorruptMetadata))
}
