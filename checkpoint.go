package faster

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var (
	ErrNoCheckpoint    = errors.New("no usable checkpoint")
	ErrCorruptMetadata = errors.New("corrupt checkpoint metadata")
	ErrMissingMarker   = errors.New("checkpoint missing completion marker")
	ErrIncompatible    = errors.New("index checkpoint is ahead of log checkpoint")
	ErrIoFailed        = errors.New("device i/o failed")
)

type CheckpointKind int

const (
	IndexOnly CheckpointKind = iota
	HybridLogOnly
	Full
)

// CheckpointMode selects how log checkpoints capture the fuzzy tail.
// The zero value is the default, so an unset Options field means
// fold-over.
type CheckpointMode uint16

const (
	// FoldOverSnapshot flushes the tail to the main log; recovery
	// replays it in place.
	FoldOverSnapshot CheckpointMode = iota // default
	// SnapshotFile copies the fuzzy region into the checkpoint's
	// snapshot.dat; recovery replays from it and writes the pages
	// through to the main log.
	SnapshotFile
)

// IndexCheckpointInfo describes a fuzzy hash-table snapshot: the log
// cut-point it was taken against and the shape of its bucket payload.
type IndexCheckpointInfo struct {
	Token               string            `yaml:"token"`
	StartLogicalAddress Address           `yaml:"startLogicalAddress"`
	FinalLogicalAddress Address           `yaml:"finalLogicalAddress"`
	NumBuckets          uint64            `yaml:"numBuckets"`
	NumOverflowBuckets  uint64            `yaml:"numOverflowBuckets"`
	NumChunks           int               `yaml:"numChunks"`
	Compression         CompressAlgorithm `yaml:"compression"`
}

// HybridLogCheckpointInfo describes a log checkpoint: the epoch it cut,
// the durable prefix, the fuzzy region, and per-session resume points.
type HybridLogCheckpointInfo struct {
	Token                   string             `yaml:"token"`
	Version                 uint16             `yaml:"version"`
	BeginAddress            Address            `yaml:"beginAddress"`
	FlushedLogicalAddress   Address            `yaml:"flushedLogicalAddress"`
	StartLogicalAddress     Address            `yaml:"startLogicalAddress"`
	FinalLogicalAddress     Address            `yaml:"finalLogicalAddress"`
	ObjectLogSegmentOffsets []uint64           `yaml:"objectLogSegmentOffsets,omitempty"`
	ContinueTokens          map[string]Address `yaml:"continueTokens,omitempty"`
}

// IsCompatible reports whether the index snapshot can be replayed
// forward to the log checkpoint: its cut-point must not be ahead of the
// log tail.
func IsCompatible(ii *IndexCheckpointInfo, li *HybridLogCheckpointInfo) bool {
	return ii.FinalLogicalAddress <= li.FinalLogicalAddress
}

// CheckpointStore enumerates, validates, loads and writes checkpoints
// under one directory layout.
type CheckpointStore struct {
	layout DirectoryLayout
}

func NewCheckpointStore(layout DirectoryLayout) *CheckpointStore {
	return &CheckpointStore{layout: layout}
}

// PruneIncomplete deletes checkpoint folders lacking a completion
// marker. A folder only gains its marker after its payload is synced,
// so anything without one belongs to a writer that died mid-checkpoint.
// Folders that cannot be removed (read-only filesystems) are skipped;
// LatestToken never selects them either way.
func (cs *CheckpointStore) PruneIncomplete() error {
	for _, base := range []string{cs.layout.IndexBase(), cs.layout.LogBase()} {
		ents, err := os.ReadDir(base)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "scan %s", base)
		}
		for _, ent := range ents {
			if !ent.IsDir() {
				continue
			}
			if _, err := uuid.Parse(ent.Name()); err != nil {
				continue
			}
			dir := filepath.Join(base, ent.Name())
			if hasMarker(dir) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				log.Warnf("checkpoint: cannot prune incomplete %s: %v", dir, err)
			} else {
				log.Debugf("checkpoint: pruned incomplete %s", dir)
			}
		}
	}
	return nil
}

func hasMarker(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, completedMarkerFile))
	return err == nil
}

// LatestToken returns the token with the newest modification time among
// folders whose names parse as identifiers, skipping any still lacking
// a completion marker.
func (cs *CheckpointStore) LatestToken(kind CheckpointKind) (uuid.UUID, error) {
	var bases []string
	switch kind {
	case IndexOnly:
		bases = []string{cs.layout.IndexBase()}
	case HybridLogOnly:
		bases = []string{cs.layout.LogBase()}
	case Full:
		bases = []string{cs.layout.IndexBase(), cs.layout.LogBase()}
	}
	var newest uuid.UUID
	found := false
	var newestMod int64
	for _, base := range bases {
		ents, err := os.ReadDir(base)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return uuid.UUID{}, errors.Wrapf(err, "scan %s", base)
		}
		for _, ent := range ents {
			if !ent.IsDir() {
				continue
			}
			token, err := uuid.Parse(ent.Name())
			if err != nil {
				continue
			}
			if kind == Full && !cs.IsSafe(token, Full) {
				continue
			}
			if !hasMarker(filepath.Join(base, ent.Name())) {
				continue
			}
			fi, err := ent.Info()
			if err != nil {
				continue
			}
			if mod := fi.ModTime().UnixNano(); !found || mod > newestMod {
				newest, newestMod, found = token, mod, true
			}
		}
	}
	if !found {
		return uuid.UUID{}, ErrNoCheckpoint
	}
	return newest, nil
}

// IsSafe reports whether token's checkpoint folder(s) carry the
// completion marker for the requested kind.
func (cs *CheckpointStore) IsSafe(token uuid.UUID, kind CheckpointKind) bool {
	switch kind {
	case IndexOnly:
		return hasMarker(cs.layout.IndexDir(token))
	case HybridLogOnly:
		return hasMarker(cs.layout.LogDir(token))
	case Full:
		return hasMarker(cs.layout.IndexDir(token)) && hasMarker(cs.layout.LogDir(token))
	}
	return false
}

func (cs *CheckpointStore) LoadIndexInfo(token uuid.UUID) (*IndexCheckpointInfo, error) {
	if !cs.IsSafe(token, IndexOnly) {
		return nil, errors.WithMessagef(ErrMissingMarker, "index checkpoint %s", token)
	}
	b, err := os.ReadFile(cs.layout.IndexInfo(token))
	if err != nil {
		return nil, errors.Wrapf(err, "index checkpoint %s", token)
	}
	info := &IndexCheckpointInfo{}
	if err := yaml.Unmarshal(b, info); err != nil {
		return nil, errors.WithMessagef(ErrCorruptMetadata, "index checkpoint %s: %v", token, err)
	}
	return info, nil
}

func (cs *CheckpointStore) LoadLogInfo(token uuid.UUID) (*HybridLogCheckpointInfo, error) {
	if !cs.IsSafe(token, HybridLogOnly) {
		return nil, errors.WithMessagef(ErrMissingMarker, "log checkpoint %s", token)
	}
	b, err := os.ReadFile(cs.layout.LogInfo(token))
	if err != nil {
		return nil, errors.Wrapf(err, "log checkpoint %s", token)
	}
	info := &HybridLogCheckpointInfo{}
	if err := yaml.Unmarshal(b, info); err != nil {
		return nil, errors.WithMessagef(ErrCorruptMetadata, "log checkpoint %s: %v", token, err)
	}
	return info, nil
}

// indexChunkSize caps the uncompressed size of one ht.<n>.dat file.
const indexChunkSize = 1 << 20

// WriteIndexCheckpoint persists the serialized hash-table image as
// compressed chunks plus metadata, finalized by the completion marker.
func (cs *CheckpointStore) WriteIndexCheckpoint(token uuid.UUID, info *IndexCheckpointInfo, image []byte) error {
	dir := cs.layout.IndexDir(token)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create index checkpoint dir")
	}
	compress := info.Compression.Compressor()
	chunks := 0
	for off := 0; off < len(image); off += indexChunkSize {
		end := off + indexChunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := image[off:end]
		if compress != nil {
			chunk = compress(chunk)
		}
		if err := writeFileSync(cs.layout.IndexChunk(token, chunks), chunk); err != nil {
			return err
		}
		chunks++
	}
	info.Token = token.String()
	info.NumChunks = chunks
	b, err := yaml.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "marshal index checkpoint info")
	}
	if err := writeFileSync(cs.layout.IndexInfo(token), b); err != nil {
		return err
	}
	return writeMarker(dir)
}

// ReadIndexImage reassembles the serialized hash-table image from its
// chunks.
func (cs *CheckpointStore) ReadIndexImage(token uuid.UUID, info *IndexCheckpointInfo) ([]byte, error) {
	decompress := info.Compression.DeCompressor()
	image := make([]byte, 0, int(16+(info.NumBuckets+info.NumOverflowBuckets)*hashBucketSize))
	for n := 0; n < info.NumChunks; n++ {
		chunk, err := os.ReadFile(cs.layout.IndexChunk(token, n))
		if err != nil {
			return nil, errors.Wrapf(err, "index checkpoint %s chunk %d", token, n)
		}
		if decompress != nil {
			chunk, err = decompress(chunk)
			if err != nil {
				return nil, errors.WithMessagef(ErrCorruptMetadata,
					"index checkpoint %s chunk %d: %v", token, n, err)
			}
		}
		image = append(image, chunk...)
	}
	return image, nil
}

// WriteLogCheckpoint persists the log checkpoint metadata and its
// completion marker. Snapshot payloads, if any, must be written and
// synced before this call.
func (cs *CheckpointStore) WriteLogCheckpoint(token uuid.UUID, info *HybridLogCheckpointInfo) error {
	dir := cs.layout.LogDir(token)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create log checkpoint dir")
	}
	info.Token = token.String()
	b, err := yaml.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "marshal log checkpoint info")
	}
	if err := writeFileSync(cs.layout.LogInfo(token), b); err != nil {
		return err
	}
	return writeMarker(dir)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	return f.Close()
}

// writeMarker finalizes a checkpoint folder: the empty marker lands
// only after every payload file in the folder is durable, then the
// parent directory entry is synced.
func writeMarker(dir string) error {
	if err := writeFileSync(filepath.Join(dir, completedMarkerFile), nil); err != nil {
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open %s", dir)
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return errors.Wrapf(err, "sync %s", dir)
	}
	return d.Close()
}
