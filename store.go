package faster

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrKeyNotFound = errors.New("key not found")

// Options represents the knobs that can be set when opening a store.
type Options struct {
	// Timeout is the amount of time to wait to obtain the directory
	// lock. When zero, a held lock fails the open immediately with
	// ErrWriteByOther.
	Timeout time.Duration

	// Open the store in read-only mode. Uses a shared advisory lock so
	// several readers can coexist.
	ReadOnly bool

	// PageSizeBits is log2 of the log page size.
	PageSizeBits uint

	// MemPages is the ring capacity: the number of page frames resident
	// in memory. Fixed at construction; recovery never grows it.
	MemPages uint64

	// HeadLagPages is how many pages behind the tail the head sits
	// after recovery. Must be smaller than MemPages.
	HeadLagPages uint64

	// IndexBuckets is the main hash-table size; a power of two.
	IndexBuckets uint64

	SegmentSizeBits uint

	// CheckpointMode selects fold-over log checkpoints (replay in
	// place on the main log, the default) or separate snapshot files.
	CheckpointMode CheckpointMode

	// Compression applied to hash-table checkpoint chunks.
	Compression CompressAlgorithm

	// Comparator orders keys; BytesComparator when nil.
	Comparator Comparator
}

var DefaultOptions = &Options{
	PageSizeBits:     12,
	MemPages:         16,
	HeadLagPages:     4,
	IndexBuckets:     1 << 16,
	SegmentSizeBits:  30,
	CheckpointMode:   FoldOverSnapshot,
	Compression:      CompSnappy,
}

func (o *Options) normalize() *Options {
	out := *o
	if out.PageSizeBits == 0 {
		out.PageSizeBits = DefaultOptions.PageSizeBits
	}
	if out.MemPages == 0 {
		out.MemPages = DefaultOptions.MemPages
	}
	if out.HeadLagPages == 0 {
		out.HeadLagPages = DefaultOptions.HeadLagPages
	}
	if out.HeadLagPages >= out.MemPages {
		out.HeadLagPages = out.MemPages - 1
	}
	if out.IndexBuckets == 0 {
		out.IndexBuckets = DefaultOptions.IndexBuckets
	}
	if out.SegmentSizeBits == 0 {
		out.SegmentSizeBits = DefaultOptions.SegmentSizeBits
	}
	if out.Comparator == nil {
		out.Comparator = BytesComparator
	}
	return &out
}

// Store is a log-structured hash-indexed KV store with a hybrid
// (memory + on-disk) append-only log.
type Store struct {
	path   string
	opts   *Options
	layout DirectoryLayout

	lockfile *os.File
	device   Device

	index       *HashIndex
	hlog        *HybridLog
	checkpoints *CheckpointStore

	state    SystemState
	readOnly bool
	opened   bool

	rwlock sync.Mutex // Allows only one writer at a time.

	// sessions maps session id to the logical address of the session's
	// latest operation; checkpoints persist it as continueTokens.
	sessions sync.Map
}

// Open opens (creating if needed) a store rooted at path. The store
// starts empty: call Recover to rebuild state from checkpoints.
func Open(path string, mode os.FileMode, options *Options) (*Store, error) {
	if options == nil {
		options = DefaultOptions
	}
	opts := options.normalize()

	s := &Store{
		path:     path,
		opts:     opts,
		layout:   NewDirectoryLayout(path),
		readOnly: opts.ReadOnly,
		opened:   true,
		state:    SystemState{Phase: PhaseRest, Version: 1},
	}

	if opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(path, mode); err != nil {
		return nil, errors.Wrap(err, "create store dir")
	}

	// Lock the directory so another writing process cannot mutate the
	// log and checkpoints underneath us.
	lf, err := os.OpenFile(s.layout.LockFile(), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		if opts.ReadOnly && os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "open lock file")
	}
	s.lockfile = lf
	if opts.Timeout > 0 {
		err = waitflock(lf, opts.ReadOnly, opts.Timeout)
	} else {
		err = flock(lf, opts.ReadOnly)
	}
	if err != nil {
		_ = s.close()
		return nil, err
	}

	device, err := OpenFileDevice(s.layout.LogFile(), opts.ReadOnly)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.device = device
	s.index = NewHashIndex(opts.IndexBuckets)
	s.hlog = newHybridLog(device, opts)
	s.checkpoints = NewCheckpointStore(s.layout)
	return s, nil
}

// Recover rebuilds the store from the latest compatible checkpoint
// pair and rehydrates per-session resume points.
func (s *Store) Recover() error {
	rd := NewRecoveryDriver(s.checkpoints, s.index, s.hlog, s.opts)
	state, err := rd.Recover()
	if err != nil {
		return err
	}
	s.state = state
	for id, addr := range rd.continueTokens {
		s.sessions.Store(id, addr)
	}
	return nil
}

func (s *Store) State() SystemState   { return s.state }
func (s *Store) HeadAddress() Address { return s.hlog.HeadAddress() }
func (s *Store) TailAddress() Address { return s.hlog.TailAddress() }

func (s *Store) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

func (s *Store) Close() error { return s.close() }

func (s *Store) close() error {
	if !s.opened {
		return nil
	}
	s.opened = false

	if s.device != nil {
		if err := s.device.Close(); err != nil {
			return errors.Wrap(err, "close log device")
		}
		s.device = nil
	}
	if s.lockfile != nil {
		if !s.readOnly {
			if err := funlock(s.lockfile); err != nil {
				log.Errorf("store close: funlock error: %s", err)
			}
		}
		if err := s.lockfile.Close(); err != nil {
			return errors.Wrap(err, "close lock file")
		}
		s.lockfile = nil
	}
	return nil
}

// Upsert writes key to value. The new record chains to the previous
// head of its hash slot through PreviousAddress.
func (s *Store) Upsert(key, value []byte) error {
	_, err := s.upsert(key, value, false)
	return err
}

// Delete appends a tombstone record for key.
func (s *Store) Delete(key []byte) error {
	_, err := s.upsert(key, nil, true)
	return err
}

func (s *Store) upsert(key, value []byte, tombstone bool) (Address, error) {
	if s.readOnly {
		return InvalidAddress, errors.New("store is read-only")
	}
	s.rwlock.Lock()
	defer s.rwlock.Unlock()

	hash := HashKey(key)
	tag := HashTag(hash)
	bucket, slot, entry := s.index.FindOrCreateTag(hash, tag, s.hlog.BeginAddress())
	prev := InvalidAddress
	if !entry.Free() {
		prev = entry.Address()
	}
	info := NewRecordInfo(s.state.Version, prev, tombstone)
	addr, err := s.hlog.Append(info, key, value)
	if err != nil {
		return InvalidAddress, err
	}
	s.index.Install(bucket, slot, NewBucketEntry(addr, tag))
	return addr, nil
}

// Read returns the latest value for key, walking the per-key chain
// through PreviousAddress. Records above the head are served from the
// ring; colder ones are fetched from the device.
func (s *Store) Read(key []byte) ([]byte, error) {
	hash := HashKey(key)
	tag := HashTag(hash)
	entry, ok := s.index.FindTag(hash, tag, s.hlog.BeginAddress())
	if !ok {
		return nil, ErrKeyNotFound
	}
	addr := entry.Address()
	for addr != InvalidAddress && addr >= s.hlog.BeginAddress() {
		info, rkey, rvalue, err := s.readRecord(addr)
		if err != nil {
			return nil, err
		}
		if !info.Invalid() && s.opts.Comparator(rkey, key) == 0 {
			if info.Tombstone() {
				return nil, ErrKeyNotFound
			}
			return rvalue, nil
		}
		addr = info.PreviousAddress()
	}
	return nil, ErrKeyNotFound
}

func (s *Store) readRecord(addr Address) (RecordInfo, []byte, []byte, error) {
	if addr >= s.hlog.HeadAddress() {
		if b := s.hlog.GetPhysicalAddress(addr); b != nil {
			return readInfo(b), recordKey(b), recordValue(b), nil
		}
	}
	hdr := make([]byte, recordHeaderSize)
	if err := readAt(s.device, int64(addr), hdr); err != nil {
		return 0, nil, nil, errors.Wrapf(ErrIoFailed, "record header at %d: %v", addr, err)
	}
	b := make([]byte, recordSize(hdr))
	if err := readAt(s.device, int64(addr), b); err != nil {
		return 0, nil, nil, errors.Wrapf(ErrIoFailed, "record at %d: %v", addr, err)
	}
	return readInfo(b), recordKey(b), recordValue(b), nil
}

// Session tracks the resume point of one client across checkpoints.
type Session struct {
	ID    string
	store *Store
}

// NewSession registers a session; its id keys the continueTokens map in
// subsequent checkpoints.
func (s *Store) NewSession() *Session {
	id := uuid.New().String()
	s.sessions.Store(id, InvalidAddress)
	return &Session{ID: id, store: s}
}

// ContinueSession returns the resume address recovered (or recorded)
// for a session id.
func (s *Store) ContinueSession(id string) (Address, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return InvalidAddress, false
	}
	return v.(Address), true
}

func (sess *Session) Upsert(key, value []byte) error {
	addr, err := sess.store.upsert(key, value, false)
	if err != nil {
		return err
	}
	sess.store.sessions.Store(sess.ID, addr)
	return nil
}

func (sess *Session) Delete(key []byte) error {
	addr, err := sess.store.upsert(key, nil, true)
	if err != nil {
		return err
	}
	sess.store.sessions.Store(sess.ID, addr)
	return nil
}

// Checkpoint persists a full checkpoint pair under one fresh token and
// bumps the store's version. In fold-over mode the log is flushed in
// place; in snapshot mode the unflushed tail is copied into the
// checkpoint's snapshot file instead.
func (s *Store) Checkpoint() (uuid.UUID, error) {
	if s.readOnly {
		return uuid.UUID{}, errors.New("store is read-only")
	}
	s.rwlock.Lock()
	defer s.rwlock.Unlock()

	token := uuid.New()
	final := s.hlog.TailAddress()
	flushed := s.hlog.flushedAddress
	version := s.state.Version

	if s.opts.CheckpointMode == FoldOverSnapshot {
		if err := s.hlog.flushThrough(final); err != nil {
			return uuid.UUID{}, err
		}
		flushed = final
	} else if err := s.writeSnapshot(token, flushed, final); err != nil {
		return uuid.UUID{}, err
	}

	indexInfo := &IndexCheckpointInfo{
		StartLogicalAddress: flushed,
		FinalLogicalAddress: final,
		NumBuckets:          uint64(len(s.index.buckets)),
		NumOverflowBuckets:  uint64(len(s.index.overflow)),
		Compression:         s.opts.Compression,
	}
	if err := s.checkpoints.WriteIndexCheckpoint(token, indexInfo, s.index.Serialize()); err != nil {
		return uuid.UUID{}, err
	}

	tokens := map[string]Address{}
	s.sessions.Range(func(k, v interface{}) bool {
		tokens[k.(string)] = v.(Address)
		return true
	})
	logInfo := &HybridLogCheckpointInfo{
		Version:               version,
		BeginAddress:          s.hlog.BeginAddress(),
		FlushedLogicalAddress: flushed,
		StartLogicalAddress:   flushed,
		FinalLogicalAddress:   final,
		ContinueTokens:        tokens,
	}
	if offs := s.hlog.GetSegmentOffsets(); anyNonZero(offs) {
		logInfo.ObjectLogSegmentOffsets = append([]uint64(nil), offs...)
	}
	if err := s.checkpoints.WriteLogCheckpoint(token, logInfo); err != nil {
		return uuid.UUID{}, err
	}

	s.state.Version++
	log.Debugf("checkpoint %s: version %d, flushed %d, final %d", token, version, flushed, final)
	return token, nil
}

// writeSnapshot copies the resident pages spanning [flushed, final)
// into the checkpoint's snapshot file, addressed relative to the first
// unflushed page.
func (s *Store) writeSnapshot(token uuid.UUID, flushed, final Address) error {
	if final <= flushed {
		return nil
	}
	if err := os.MkdirAll(s.layout.LogDir(token), 0755); err != nil {
		return errors.Wrap(err, "create log checkpoint dir")
	}
	snapshot, err := OpenFileDevice(s.layout.Snapshot(token), false)
	if err != nil {
		return err
	}
	defer snapshot.Close()

	firstPage := s.hlog.GetPage(flushed)
	lastPage := s.hlog.GetPage(final)
	if s.hlog.GetOffsetInPage(final) == 0 {
		lastPage--
	}
	for page := firstPage; page <= lastPage; page++ {
		idx := s.hlog.GetPageIndexForPage(page)
		if s.hlog.framePage[idx] != page {
			return errors.Errorf("snapshot: page %d is not resident", page)
		}
		offset := int64(s.hlog.GetStartLogicalAddress(page - firstPage))
		if err := writeAt(snapshot, offset, s.hlog.frame(idx)); err != nil {
			return errors.Wrapf(ErrIoFailed, "snapshot page %d: %v", page, err)
		}
	}
	return snapshot.Sync()
}

func anyNonZero(v []uint64) bool {
	for _, x := range v {
		if x != 0 {
			return true
		}
	}
	return false
}
