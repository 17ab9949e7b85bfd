package faster

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// HashKey is the store's key hash. The low bits select a bucket, the
// high TagBits disambiguate keys sharing one.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func HashTag(hash uint64) uint16 {
	return uint16(hash >> hashTagShift)
}

// HashIndex maps key hashes to log addresses. Buckets are stored
// contiguously; a full bucket chains into individually allocated
// overflow buckets so that slot pointers stay stable while the table
// grows.
type HashIndex struct {
	mask     uint64
	buckets  []hashBucket
	overflow []*hashBucket
}

func NewHashIndex(numBuckets uint64) *HashIndex {
	if numBuckets == 0 || numBuckets&(numBuckets-1) != 0 {
		panic("faster: index bucket count must be a power of two")
	}
	return &HashIndex{
		mask:    numBuckets - 1,
		buckets: make([]hashBucket, numBuckets),
	}
}

func (ix *HashIndex) NumBuckets() uint64 { return ix.mask + 1 }

// FindTag follows the bucket chain for hash and returns the live entry
// whose tag matches, if any. Entries addressing below begin are dead.
func (ix *HashIndex) FindTag(hash uint64, tag uint16, begin Address) (BucketEntry, bool) {
	b := &ix.buckets[hash&ix.mask]
	for {
		for i := 0; i < bucketEntries; i++ {
			e := BucketEntry(atomic.LoadUint64(&b.entries[i]))
			if !e.Free() && e.Tag() == tag && e.Address() >= begin {
				return e, true
			}
		}
		if b.overflow == 0 {
			return 0, false
		}
		b = ix.overflow[b.overflow-1]
	}
}

// FindOrCreateTag locates the slot owning (hash, tag), claiming the
// first reusable slot when the tag is not present and allocating an
// overflow bucket when the chain is full. The returned entry is zero
// for a freshly claimed slot.
func (ix *HashIndex) FindOrCreateTag(hash uint64, tag uint16, begin Address) (*hashBucket, int, BucketEntry) {
	b := &ix.buckets[hash&ix.mask]
	var freeBucket *hashBucket
	freeSlot := -1
	for {
		for i := 0; i < bucketEntries; i++ {
			e := BucketEntry(atomic.LoadUint64(&b.entries[i]))
			if e.Free() || e.Address() < begin {
				if freeSlot < 0 {
					freeBucket, freeSlot = b, i
				}
				continue
			}
			if e.Tag() == tag {
				return b, i, e
			}
		}
		if b.overflow == 0 {
			break
		}
		b = ix.overflow[b.overflow-1]
	}
	if freeSlot < 0 {
		next := &hashBucket{}
		ix.overflow = append(ix.overflow, next)
		b.overflow = uint64(len(ix.overflow))
		freeBucket, freeSlot = next, 0
	}
	return freeBucket, freeSlot, 0
}

// Install publishes entry into the slot with a single 64-bit store.
func (ix *HashIndex) Install(b *hashBucket, slot int, e BucketEntry) {
	atomic.StoreUint64(&b.entries[slot], uint64(e))
}

const hashBucketSize = 64

// Serialize renders the table as one flat image: main and overflow
// bucket counts, then every bucket as eight little-endian words.
func (ix *HashIndex) Serialize() []byte {
	n, m := len(ix.buckets), len(ix.overflow)
	buf := make([]byte, 16+(n+m)*hashBucketSize)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	binary.LittleEndian.PutUint64(buf[8:], uint64(m))
	off := 16
	put := func(b *hashBucket) {
		for i := 0; i < bucketEntries; i++ {
			binary.LittleEndian.PutUint64(buf[off:], b.entries[i])
			off += 8
		}
		binary.LittleEndian.PutUint64(buf[off:], b.overflow)
		off += 8
	}
	for i := range ix.buckets {
		put(&ix.buckets[i])
	}
	for _, b := range ix.overflow {
		put(b)
	}
	return buf
}

// RestoreHashIndex parses a serialized table image.
func RestoreHashIndex(data []byte) (*HashIndex, error) {
	if len(data) < 16 {
		return nil, errors.WithMessage(ErrCorruptMetadata, "hash table image truncated")
	}
	n := binary.LittleEndian.Uint64(data)
	m := binary.LittleEndian.Uint64(data[8:])
	if n == 0 || n&(n-1) != 0 {
		return nil, errors.WithMessagef(ErrCorruptMetadata, "bucket count %d not a power of two", n)
	}
	want := 16 + int(n+m)*hashBucketSize
	if len(data) != want {
		return nil, errors.WithMessagef(ErrCorruptMetadata,
			"hash table image is %d bytes, want %d", len(data), want)
	}
	ix := &HashIndex{
		mask:     n - 1,
		buckets:  make([]hashBucket, n),
		overflow: make([]*hashBucket, m),
	}
	off := 16
	get := func(b *hashBucket) {
		for i := 0; i < bucketEntries; i++ {
			b.entries[i] = binary.LittleEndian.Uint64(data[off:])
			off += 8
		}
		b.overflow = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	for i := range ix.buckets {
		get(&ix.buckets[i])
	}
	for i := range ix.overflow {
		ix.overflow[i] = &hashBucket{}
		get(ix.overflow[i])
	}
	return ix, nil
}
