package faster

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func testOpts() *Options {
	return &Options{
		PageSizeBits:   10,
		MemPages:       4,
		HeadLagPages:   2,
		IndexBuckets:   1 << 10,
		CheckpointMode: FoldOverSnapshot,
	}
}

func key64(k uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, k)
	return b
}

// value64 builds {vfield1: k, vfield2: k+1}.
func value64(k uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, k)
	binary.LittleEndian.PutUint64(b[8:], k+1)
	return b
}

func TestWarmReadAfterEvict(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()

	s, err := Open(dir, 0755, testOpts())
	assert.NoError(err)
	for k := uint64(0); k < 2000; k++ {
		assert.NoError(s.Upsert(key64(k), value64(k)))
	}
	_, err = s.Checkpoint()
	assert.NoError(err)
	assert.NoError(s.hlog.FlushAndEvict())

	// every read now faults to the device
	for k := uint64(0); k < 2000; k += 199 {
		v, err := s.Read(key64(k))
		assert.NoError(err)
		assert.Equal(value64(k), v)
	}
	tail := s.TailAddress()
	assert.NoError(s.Close())

	s2, err := Open(dir, 0755, testOpts())
	assert.NoError(err)
	defer s2.Close()
	assert.NoError(s2.Recover())
	assert.Equal(SystemState{Phase: PhaseRest, Version: 2}, s2.State())
	assert.Equal(tail, s2.TailAddress())
	for k := uint64(0); k < 2000; k++ {
		v, err := s2.Read(key64(k))
		assert.NoError(err)
		assert.Equal(value64(k), v)
	}
}

func TestReadAfterDispose(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()

	s, err := Open(dir, 0755, testOpts())
	assert.NoError(err)
	defer s.Close()
	for k := uint64(0); k < 2000; k++ {
		assert.NoError(s.Upsert(key64(k), value64(k)))
	}
	_, err = s.Checkpoint()
	assert.NoError(err)
	s.hlog.DisposeFromMemory()

	assert.NoError(s.Recover())
	for k := uint64(0); k < 2000; k++ {
		v, err := s.Read(key64(k))
		assert.NoError(err)
		assert.Equal(value64(k), v)
	}
}

func TestRewindOnFutureVersion(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()
	opts := testOpts()

	s, err := Open(dir, 0755, opts)
	assert.NoError(err)

	key := []byte("rewind-key")
	s.state.Version = 2
	a2, err := s.upsert(key, []byte("epoch-two"), false)
	assert.NoError(err)
	s.state.Version = 3
	a3, err := s.upsert(key, []byte("epoch-three"), false)
	assert.NoError(err)

	// a key whose only record is future-versioned with no predecessor
	orphan := []byte("orphan-key")
	aOrphan, err := s.upsert(orphan, []byte("never-lands"), false)
	assert.NoError(err)

	tail := s.TailAddress()
	assert.NoError(s.hlog.flushThrough(tail))

	// checkpoint pair cut at version 2: the index snapshot already saw
	// the version-3 records (fuzzy), its replay window starts at a3
	token := uuid.New()
	ii := &IndexCheckpointInfo{
		StartLogicalAddress: a3,
		FinalLogicalAddress: a3,
		NumBuckets:          uint64(len(s.index.buckets)),
		NumOverflowBuckets:  uint64(len(s.index.overflow)),
		Compression:         CompSnappy,
	}
	assert.NoError(s.checkpoints.WriteIndexCheckpoint(token, ii, s.index.Serialize()))
	li := &HybridLogCheckpointInfo{
		Version:               2,
		BeginAddress:          FirstValidAddress,
		FlushedLogicalAddress: tail,
		StartLogicalAddress:   a3,
		FinalLogicalAddress:   tail,
	}
	assert.NoError(s.checkpoints.WriteLogCheckpoint(token, li))
	assert.NoError(s.Close())

	s2, err := Open(dir, 0755, opts)
	assert.NoError(err)
	defer s2.Close()
	assert.NoError(s2.Recover())
	assert.Equal(uint16(3), s2.State().Version)

	// the bucket rewound to the version-2 record
	v, err := s2.Read(key)
	assert.NoError(err)
	assert.Equal([]byte("epoch-two"), v)
	hash := HashKey(key)
	entry, ok := s2.index.FindTag(hash, HashTag(hash), FirstValidAddress)
	assert.True(ok)
	assert.Equal(a2, entry.Address())

	// the orphan's only record is invalid and nothing replaces it
	_, err = s2.Read(orphan)
	assert.True(errors.Is(err, ErrKeyNotFound))

	// invalid bits reached the disk
	f, err := os.Open(s2.layout.LogFile())
	assert.NoError(err)
	defer f.Close()
	hdr := make([]byte, RecordInfoSize)
	for _, addr := range []Address{a3, aOrphan} {
		_, err = f.ReadAt(hdr, int64(addr))
		assert.NoError(err)
		assert.True(readInfo(hdr).Invalid())
	}
	_, err = f.ReadAt(hdr, int64(a2))
	assert.NoError(err)
	assert.False(readInfo(hdr).Invalid())
}

func TestIncompatiblePair(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()

	s, err := Open(dir, 0755, testOpts())
	assert.NoError(err)
	defer s.Close()

	token := uuid.New()
	ii := &IndexCheckpointInfo{
		StartLogicalAddress: FirstValidAddress,
		FinalLogicalAddress: 10000,
		NumBuckets:          uint64(len(s.index.buckets)),
		Compression:         CompSnappy,
	}
	assert.NoError(s.checkpoints.WriteIndexCheckpoint(token, ii, s.index.Serialize()))
	li := &HybridLogCheckpointInfo{
		Version:               1,
		BeginAddress:          FirstValidAddress,
		FlushedLogicalAddress: 8000,
		StartLogicalAddress:   8000,
		FinalLogicalAddress:   8000,
	}
	assert.NoError(s.checkpoints.WriteLogCheckpoint(token, li))

	err = s.Recover()
	assert.True(errors.Is(err, ErrIncompatible))
	// no mutations observable
	assert.Equal(FirstValidAddress, s.TailAddress())
	assert.Equal(SystemState{Phase: PhaseRest, Version: 1}, s.State())
}

func TestSnapshotModeRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()
	opts := &Options{
		PageSizeBits:   10,
		MemPages:       64,
		HeadLagPages:   8,
		IndexBuckets:   1 << 10,
		CheckpointMode: SnapshotFile,
	}

	s, err := Open(dir, 0755, opts)
	assert.NoError(err)
	for k := uint64(0); k < 200; k++ {
		assert.NoError(s.Upsert(key64(k), value64(k)))
	}
	token, err := s.Checkpoint()
	assert.NoError(err)

	// nothing reached the main log; the fuzzy region lives in the
	// checkpoint's snapshot file
	fi, err := os.Stat(s.layout.LogFile())
	assert.NoError(err)
	assert.Zero(fi.Size())
	fi, err = os.Stat(s.layout.Snapshot(token))
	assert.NoError(err)
	assert.NotZero(fi.Size())
	assert.NoError(s.Close())

	s2, err := Open(dir, 0755, opts)
	assert.NoError(err)
	defer s2.Close()
	assert.NoError(s2.Recover())
	for k := uint64(0); k < 200; k++ {
		v, err := s2.Read(key64(k))
		assert.NoError(err)
		assert.Equal(value64(k), v)
	}

	// replay wrote the snapshot through to the main log
	fi, err = os.Stat(s2.layout.LogFile())
	assert.NoError(err)
	assert.NotZero(fi.Size())
}

func TestSessionsRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()

	s, err := Open(dir, 0755, testOpts())
	assert.NoError(err)
	sess := s.NewSession()
	assert.NoError(sess.Upsert([]byte("a"), []byte("1")))
	assert.NoError(sess.Upsert([]byte("b"), []byte("2")))
	want, ok := s.ContinueSession(sess.ID)
	assert.True(ok)
	assert.NotEqual(InvalidAddress, want)
	_, err = s.Checkpoint()
	assert.NoError(err)
	assert.NoError(s.Close())

	s2, err := Open(dir, 0755, testOpts())
	assert.NoError(err)
	defer s2.Close()
	assert.NoError(s2.Recover())
	assert.Equal(1, s2.SessionCount())
	got, ok := s2.ContinueSession(sess.ID)
	assert.True(ok)
	assert.Equal(want, got)
}
