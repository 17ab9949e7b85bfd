package faster

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Phase uint8

const (
	PhaseRest Phase = iota
	PhasePrepare
	PhaseInProgress
	PhaseWaitFlush
)

// SystemState is the store's epoch word: the current phase and the
// logical version stamped on new records.
type SystemState struct {
	Phase   Phase
	Version uint16
}

// RecoveryDriver wires the checkpoint store, the hash index and the
// hybrid log together and rebuilds a consistent state from the latest
// mutually compatible checkpoint pair.
type RecoveryDriver struct {
	checkpoints *CheckpointStore
	index       *HashIndex
	hlog        *HybridLog
	opts        *Options

	continueTokens map[string]Address
}

func NewRecoveryDriver(cs *CheckpointStore, index *HashIndex, hlog *HybridLog, opts *Options) *RecoveryDriver {
	return &RecoveryDriver{checkpoints: cs, index: index, hlog: hlog, opts: opts}
}

// Recover locates the latest index and log checkpoints, restores the
// fuzzy index, replays the log tail against it, and rehydrates the
// in-memory page window. On success the store's epoch is one past the
// recovered version, phase REST.
func (rd *RecoveryDriver) Recover() (SystemState, error) {
	if err := rd.checkpoints.PruneIncomplete(); err != nil {
		return SystemState{}, err
	}
	indexToken, err := rd.checkpoints.LatestToken(IndexOnly)
	if err != nil {
		return SystemState{}, err
	}
	logToken, err := rd.checkpoints.LatestToken(HybridLogOnly)
	if err != nil {
		return SystemState{}, err
	}
	if !rd.checkpoints.IsSafe(indexToken, IndexOnly) || !rd.checkpoints.IsSafe(logToken, HybridLogOnly) {
		return SystemState{}, ErrMissingMarker
	}
	indexInfo, err := rd.checkpoints.LoadIndexInfo(indexToken)
	if err != nil {
		return SystemState{}, err
	}
	logInfo, err := rd.checkpoints.LoadLogInfo(logToken)
	if err != nil {
		return SystemState{}, err
	}
	if !IsCompatible(indexInfo, logInfo) {
		return SystemState{}, errors.WithMessagef(ErrIncompatible,
			"index cut at %d, log tail at %d", indexInfo.FinalLogicalAddress, logInfo.FinalLogicalAddress)
	}
	log.Debugf("recovery: index checkpoint %s, log checkpoint %s, version %d",
		indexToken, logToken, logInfo.Version)

	state := SystemState{Phase: PhaseRest, Version: logInfo.Version + 1}

	if err := rd.restoreIndex(indexToken, indexInfo); err != nil {
		return SystemState{}, err
	}
	if len(logInfo.ObjectLogSegmentOffsets) > 0 {
		copy(rd.hlog.GetSegmentOffsets(), logInfo.ObjectLogSegmentOffsets)
	}
	if logInfo.BeginAddress > rd.hlog.beginAddress {
		rd.hlog.beginAddress = logInfo.BeginAddress
	}
	if err := rd.replayLog(logToken, indexInfo, logInfo); err != nil {
		return SystemState{}, err
	}
	if err := rd.restorePageWindow(logInfo.FinalLogicalAddress); err != nil {
		return SystemState{}, err
	}
	rd.continueTokens = logInfo.ContinueTokens
	log.Infof("recovery: complete, version %d, tail %d, %d sessions",
		state.Version, logInfo.FinalLogicalAddress, len(logInfo.ContinueTokens))
	return state, nil
}

// restoreIndex materialises the fuzzy hash-table image as the live
// index. Entries may point past the index cut-point; the log replay
// pass brings them back in line.
func (rd *RecoveryDriver) restoreIndex(token uuid.UUID, info *IndexCheckpointInfo) error {
	image, err := rd.checkpoints.ReadIndexImage(token, info)
	if err != nil {
		return err
	}
	restored, err := RestoreHashIndex(image)
	if err != nil {
		return err
	}
	*rd.index = *restored
	log.Debugf("recovery: restored index, %d buckets, %d overflow",
		len(restored.buckets), len(restored.overflow))
	return nil
}

// replayLog walks the log tail between the index snapshot's start
// address and the log checkpoint's final address, pointing every
// touched hash bucket at the newest record version that survives the
// recovered epoch. In fold-over mode pages are read in place from the
// main log; in snapshot mode the fuzzy region comes from the
// checkpoint's snapshot file and is written through to the main log so
// it becomes contiguous.
func (rd *RecoveryDriver) replayLog(token uuid.UUID, ii *IndexCheckpointInfo, li *HybridLogCheckpointInfo) error {
	from := ii.StartLogicalAddress
	until := li.FinalLogicalAddress
	if until <= from {
		return nil
	}
	flushed := li.FlushedLogicalAddress
	v := li.Version

	h := rd.hlog
	lo := from
	if flushed < lo {
		lo = flushed
	}
	startPage := h.GetPage(lo)
	endPage := h.GetPage(until)
	if h.GetOffsetInPage(until) != 0 {
		endPage++
	}
	capacity := h.GetCapacityNumPages()

	status := newRecoveryStatus(startPage, endPage, capacity)
	var snapshot Device
	if rd.opts.CheckpointMode == SnapshotFile {
		var err error
		snapshot, err = OpenFileDevice(rd.checkpoints.layout.Snapshot(token), true)
		if err != nil {
			return err
		}
		status.snapshotDevice = snapshot
		status.recoveryDevicePageOffset = h.GetPage(flushed)
	}
	pio := newPageIO(h, h.device, status)

	prime := capacity
	if n := endPage - startPage; n < prime {
		prime = n
	}
	pio.ReadPages(startPage, prime)

	for page := startPage; page < endPage; page++ {
		idx := h.GetPageIndexForPage(page)
		if err := status.waitRead(idx); err != nil {
			return err
		}
		pageEnd := h.GetStartLogicalAddress(page + 1)
		if from < pageEnd {
			pageFrom := uint32(0)
			if from > h.GetStartLogicalAddress(page) {
				pageFrom = h.GetOffsetInPage(from)
			}
			pageUntil := h.GetPageSize()
			if until < pageEnd {
				pageUntil = h.GetOffsetInPage(until)
			}
			rd.recoverFromPage(from, pageFrom, pageUntil, page, v)
		}
		status.resetForFlush(idx)
		pio.FlushPages(page)
	}
	if err := status.waitAllFlushed(); err != nil {
		return err
	}
	if snapshot != nil {
		if err := snapshot.Close(); err != nil {
			return errors.Wrap(err, "close snapshot device")
		}
	}
	return nil
}

// recoverFromPage is the inner record walk over one resident page.
// Records stamped at or below the recovered version are installed as
// the bucket's newest address; later-stamped records are invalidated,
// rewinding the bucket to their predecessor when it lies below the
// replay window (and is therefore authoritative already).
func (rd *RecoveryDriver) recoverFromPage(from Address, pageFrom, pageUntil uint32, page uint64, v uint16) {
	h := rd.hlog
	frame := h.frame(h.GetPageIndexForPage(page))
	pageStart := h.GetStartLogicalAddress(page)

	pointer := pageFrom
	for pointer < pageUntil {
		b := frame[pointer:]
		info := readInfo(b)
		if info.IsNull() {
			pointer += RecordInfoSize
			continue
		}
		size := uint32(recordSize(b))
		if !info.Invalid() {
			key := recordKey(b)
			hash := HashKey(key)
			tag := HashTag(hash)
			bucket, slot, _ := rd.index.FindOrCreateTag(hash, tag, h.beginAddress)
			if info.Version() <= v {
				rd.index.Install(bucket, slot, NewBucketEntry(pageStart+Address(pointer), tag))
			} else {
				writeInfo(b, info.SetInvalid())
				if prev := info.PreviousAddress(); prev != InvalidAddress && prev < from {
					rd.index.Install(bucket, slot, NewBucketEntry(prev, tag))
				}
				// Otherwise the slot is left alone: the predecessor
				// sits at a lower address inside the replay window, so
				// the walk has already passed it.
			}
		}
		pointer += size
	}
}

// restorePageWindow reloads the tail pages into the ring so steady
// state starts warm instead of faulting on every read.
func (rd *RecoveryDriver) restorePageWindow(final Address) error {
	h := rd.hlog
	tailPage := h.GetPage(final)
	numPages := tailPage
	if final > h.GetStartLogicalAddress(tailPage) {
		numPages++
	}
	headPage := uint64(0)
	// the window must fit the ring even when the tail is page-aligned
	lag := h.GetHeadOffsetLagInPages()
	if lag >= h.GetCapacityNumPages() {
		lag = h.GetCapacityNumPages() - 1
	}
	if numPages > lag {
		headPage = numPages - lag
	}
	if headPage > tailPage {
		headPage = tailPage
	}

	status := newRecoveryStatus(headPage, tailPage+1, h.GetCapacityNumPages())
	pio := newPageIO(h, h.device, status)
	pio.ReadPages(headPage, tailPage-headPage+1)
	for page := headPage; page <= tailPage; page++ {
		if err := status.waitRead(h.GetPageIndexForPage(page)); err != nil {
			return err
		}
	}
	h.RecoveryReset(final, h.GetStartLogicalAddress(headPage))
	return nil
}
