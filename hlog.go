package faster

import (
	"github.com/pkg/errors"
)

const frameEmpty = ^uint64(0)

// HybridLog is the bounded in-memory window over the append-only log:
// a ring of fixed-size page frames backed by the main log device.
// Addresses below headAddress live only on the device; addresses in
// [headAddress, tailAddress) are resident in the ring.
type HybridLog struct {
	pageSizeBits uint
	capacity     uint64 // number of page frames
	headLag      uint64

	device Device

	frames    [][]byte
	framePage []uint64 // logical page held by each frame, frameEmpty if none
	dirty     []bool

	beginAddress   Address
	headAddress    Address
	flushedAddress Address
	tailAddress    Address

	segmentSizeBits uint
	segmentOffsets  []uint64
}

func newHybridLog(device Device, opts *Options) *HybridLog {
	h := &HybridLog{
		pageSizeBits:    opts.PageSizeBits,
		capacity:        opts.MemPages,
		headLag:         opts.HeadLagPages,
		device:          device,
		frames:          make([][]byte, opts.MemPages),
		framePage:       make([]uint64, opts.MemPages),
		dirty:           make([]bool, opts.MemPages),
		beginAddress:    FirstValidAddress,
		headAddress:     0,
		flushedAddress:  FirstValidAddress,
		tailAddress:     FirstValidAddress,
		segmentSizeBits: opts.SegmentSizeBits,
		segmentOffsets:  make([]uint64, maxObjectLogSegments),
	}
	for i := range h.framePage {
		h.framePage[i] = frameEmpty
	}
	return h
}

// maxObjectLogSegments bounds the per-segment offset table copied from
// a log checkpoint's objectLogSegmentOffsets.
const maxObjectLogSegments = 64

// Page geometry.

func (h *HybridLog) GetPageSize() uint32 { return 1 << h.pageSizeBits }

func (h *HybridLog) GetPage(addr Address) uint64 {
	return uint64(addr) >> h.pageSizeBits
}

func (h *HybridLog) GetOffsetInPage(addr Address) uint32 {
	return uint32(uint64(addr) & uint64(h.GetPageSize()-1))
}

func (h *HybridLog) GetPageIndexForPage(page uint64) uint32 {
	return uint32(page % h.capacity)
}

func (h *HybridLog) GetStartLogicalAddress(page uint64) Address {
	return Address(page << h.pageSizeBits)
}

func (h *HybridLog) GetCapacityNumPages() uint64     { return h.capacity }
func (h *HybridLog) GetHeadOffsetLagInPages() uint64 { return h.headLag }
func (h *HybridLog) GetSegmentSize() uint64          { return 1 << h.segmentSizeBits }
func (h *HybridLog) GetSegmentOffsets() []uint64     { return h.segmentOffsets }

func (h *HybridLog) BeginAddress() Address { return h.beginAddress }
func (h *HybridLog) HeadAddress() Address  { return h.headAddress }
func (h *HybridLog) TailAddress() Address  { return h.tailAddress }

// frame returns the idx-th ring frame, allocating it on first touch so
// an idle store never holds capacity*pageSize of memory.
func (h *HybridLog) frame(idx uint32) []byte {
	if h.frames[idx] == nil {
		h.frames[idx] = make([]byte, h.GetPageSize())
	}
	return h.frames[idx]
}

// PopulatePage installs a page image read from a device into its ring
// frame.
func (h *HybridLog) PopulatePage(buf []byte, page uint64) {
	idx := h.GetPageIndexForPage(page)
	f := h.frame(idx)
	if &f[0] != &buf[0] {
		copy(f, buf)
	}
	h.framePage[idx] = page
	h.dirty[idx] = false
}

// GetPhysicalAddress returns the resident bytes for addr through the
// end of its page, or nil when the page is not in the ring.
func (h *HybridLog) GetPhysicalAddress(addr Address) []byte {
	page := h.GetPage(addr)
	idx := h.GetPageIndexForPage(page)
	if h.framePage[idx] != page {
		return nil
	}
	return h.frame(idx)[h.GetOffsetInPage(addr):]
}

// Record access over resident pages.

func (h *HybridLog) GetInfo(addr Address) RecordInfo {
	return readInfo(h.GetPhysicalAddress(addr))
}

func (h *HybridLog) GetKey(addr Address) []byte {
	return recordKey(h.GetPhysicalAddress(addr))
}

func (h *HybridLog) GetRecordSize(addr Address) int {
	return recordSize(h.GetPhysicalAddress(addr))
}

// Append writes a record at the tail and returns its logical address.
// A record that would straddle the page boundary leaves the rest of the
// current page as null-header padding and opens the next page.
func (h *HybridLog) Append(info RecordInfo, key, value []byte) (Address, error) {
	size := encodedRecordSize(key, value)
	if size > int(h.GetPageSize()) {
		return InvalidAddress, errors.Errorf("record of %d bytes exceeds the %d byte page", size, h.GetPageSize())
	}
	if int(h.GetOffsetInPage(h.tailAddress))+size > int(h.GetPageSize()) {
		h.tailAddress = h.GetStartLogicalAddress(h.GetPage(h.tailAddress) + 1)
	}
	page := h.GetPage(h.tailAddress)
	if err := h.ensureResident(page); err != nil {
		return InvalidAddress, err
	}
	idx := h.GetPageIndexForPage(page)
	n := encodeRecord(h.frame(idx)[h.GetOffsetInPage(h.tailAddress):], info, key, value)
	addr := h.tailAddress
	h.tailAddress += Address(n)
	h.dirty[idx] = true
	return addr, nil
}

// ensureResident makes page's frame available for appends, evicting the
// previous occupant to the device first. Appends fill pages in order,
// so the evicted page is always the lowest resident one and the head
// moves up past it.
func (h *HybridLog) ensureResident(page uint64) error {
	idx := h.GetPageIndexForPage(page)
	if h.framePage[idx] == page {
		return nil
	}
	if old := h.framePage[idx]; old != frameEmpty {
		if h.dirty[idx] {
			if err := h.flushPage(old); err != nil {
				return err
			}
		}
		if next := h.GetStartLogicalAddress(old + 1); h.headAddress < next {
			h.headAddress = next
		}
	}
	f := h.frame(idx)
	for i := range f {
		f[i] = 0
	}
	h.framePage[idx] = page
	h.dirty[idx] = false
	return nil
}

// flushPage writes one resident frame back to the main log device.
func (h *HybridLog) flushPage(page uint64) error {
	idx := h.GetPageIndexForPage(page)
	if h.framePage[idx] != page {
		return errors.Errorf("flush of non-resident page %d", page)
	}
	if err := writeAt(h.device, int64(h.GetStartLogicalAddress(page)), h.frame(idx)); err != nil {
		return errors.Wrapf(ErrIoFailed, "flush page %d: %v", page, err)
	}
	h.dirty[idx] = false
	if end := h.GetStartLogicalAddress(page + 1); h.flushedAddress < end {
		h.flushedAddress = end
	}
	return nil
}

// flushThrough persists every dirty resident page that starts below
// addr and marks the log durable through addr.
func (h *HybridLog) flushThrough(addr Address) error {
	for idx := range h.framePage {
		page := h.framePage[idx]
		if page == frameEmpty || !h.dirty[idx] {
			continue
		}
		if h.GetStartLogicalAddress(page) < addr {
			if err := h.flushPage(page); err != nil {
				return err
			}
		}
	}
	if h.flushedAddress < addr {
		h.flushedAddress = addr
	}
	return h.device.Sync()
}

// FlushAndEvict persists the resident window and drops it from memory;
// the head moves to the tail and every read becomes a device read.
func (h *HybridLog) FlushAndEvict() error {
	if err := h.flushThrough(h.tailAddress); err != nil {
		return err
	}
	for i := range h.framePage {
		h.framePage[i] = frameEmpty
		h.dirty[i] = false
	}
	h.headAddress = h.tailAddress
	return nil
}

// DisposeFromMemory drops every resident frame without flushing. Only
// meaningful when the log is already durable, e.g. after a checkpoint.
func (h *HybridLog) DisposeFromMemory() {
	for i := range h.framePage {
		h.framePage[i] = frameEmpty
		h.dirty[i] = false
	}
	h.headAddress = h.tailAddress
}

// RecoveryReset installs the recovered window bounds: the ring holds
// [head, tail], appends continue at tail, and the device is contiguous
// through tail.
func (h *HybridLog) RecoveryReset(tail, head Address) {
	h.tailAddress = tail
	h.headAddress = head
	h.flushedAddress = tail
}
