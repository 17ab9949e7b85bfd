package faster

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	statusPending uint32 = iota
	statusDone
)

const recoveryPollInterval = 5 * time.Millisecond

// RecoveryStatus is the per-run scratch state shared between the
// single-threaded orchestrator and the I/O completions: one status word
// per ring frame, flipped with atomic stores (the release fence) and
// observed with atomic loads. A sticky per-frame error flag turns a
// device failure into ErrIoFailed instead of a silent hang.
type RecoveryStatus struct {
	startPage uint64
	endPage   uint64
	capacity  uint64

	readStatus  []uint32
	flushStatus []uint32
	ioError     []uint32

	snapshotDevice           Device
	recoveryDevicePageOffset uint64
}

func newRecoveryStatus(startPage, endPage, capacity uint64) *RecoveryStatus {
	rs := &RecoveryStatus{
		startPage:   startPage,
		endPage:     endPage,
		capacity:    capacity,
		readStatus:  make([]uint32, capacity),
		flushStatus: make([]uint32, capacity),
		ioError:     make([]uint32, capacity),
	}
	for i := range rs.flushStatus {
		rs.flushStatus[i] = statusDone
	}
	return rs
}

// resetForFlush re-arms a frame before its page is flushed: the flush
// completion (and the read-ahead it triggers) will flip the words back.
func (rs *RecoveryStatus) resetForFlush(idx uint32) {
	atomic.StoreUint32(&rs.readStatus[idx], statusPending)
	atomic.StoreUint32(&rs.flushStatus[idx], statusPending)
}

func (rs *RecoveryStatus) waitRead(idx uint32) error {
	for atomic.LoadUint32(&rs.readStatus[idx]) != statusDone {
		if atomic.LoadUint32(&rs.ioError[idx]) != 0 {
			return ErrIoFailed
		}
		time.Sleep(recoveryPollInterval)
	}
	return nil
}

func (rs *RecoveryStatus) waitAllFlushed() error {
	for idx := range rs.flushStatus {
		for atomic.LoadUint32(&rs.flushStatus[idx]) != statusDone {
			if atomic.LoadUint32(&rs.ioError[idx]) != 0 {
				return ErrIoFailed
			}
			time.Sleep(recoveryPollInterval)
		}
	}
	return nil
}

// PageIO drives the bounded ring during recovery: reads populate
// frames, flushes write them back to the main log, and each flush
// completion issues the read of the page one ring-turn ahead. That
// read-ahead-after-flush discipline is what bounds recovery to
// capacity frames.
type PageIO struct {
	hlog   *HybridLog
	device Device
	status *RecoveryStatus
}

func newPageIO(hlog *HybridLog, device Device, status *RecoveryStatus) *PageIO {
	return &PageIO{hlog: hlog, device: device, status: status}
}

// ReadPages issues async reads for count pages starting at startPage.
func (p *PageIO) ReadPages(startPage, count uint64) {
	for pg := startPage; pg < startPage+count; pg++ {
		p.readPage(pg)
	}
}

// readPage reads one logical page into its ring frame. Pages at or
// above the snapshot offset come from the snapshot device, addressed
// relative to its start; everything else comes from the main log.
func (p *PageIO) readPage(page uint64) {
	idx := p.hlog.GetPageIndexForPage(page)
	buf := p.hlog.frame(idx)
	dev := p.device
	offset := int64(p.hlog.GetStartLogicalAddress(page))
	if p.status.snapshotDevice != nil && page >= p.status.recoveryDevicePageOffset {
		dev = p.status.snapshotDevice
		offset = int64(p.hlog.GetStartLogicalAddress(page - p.status.recoveryDevicePageOffset))
	}
	dev.ReadAsync(offset, buf, func(err error) {
		if err != nil {
			log.Errorf("recovery: read of page %d failed: %v", page, err)
			atomic.StoreUint32(&p.status.ioError[idx], 1)
			return
		}
		p.hlog.PopulatePage(buf, page)
		atomic.StoreUint32(&p.status.readStatus[idx], statusDone)
	})
}

// FlushPages writes one replayed frame back to the main log device.
// When the write lands, the frame is recycled by reading the page one
// capacity ahead, if any remains.
func (p *PageIO) FlushPages(page uint64) {
	idx := p.hlog.GetPageIndexForPage(page)
	buf := p.hlog.frame(idx)
	p.device.WriteAsync(int64(p.hlog.GetStartLogicalAddress(page)), buf, func(err error) {
		if err != nil {
			log.Errorf("recovery: flush of page %d failed: %v", page, err)
			atomic.StoreUint32(&p.status.ioError[idx], 1)
			return
		}
		atomic.StoreUint32(&p.status.flushStatus[idx], statusDone)
		if next := page + p.status.capacity; next < p.status.endPage {
			p.readPage(next)
		}
	})
}
