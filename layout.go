package faster

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	indexCheckpointBase = "index-checkpoints"
	logCheckpointBase   = "cpr-checkpoints"

	completedMarkerFile = "completed.dat"
	checkpointInfoFile  = "info.dat"
	snapshotFileName    = "snapshot.dat"
	objectSnapshotName  = "snapshot.obj.dat"

	logFileName  = "log.dat"
	lockFileName = "store.lock"
)

// DirectoryLayout resolves the on-disk paths of checkpoint artifacts by
// token. Tokens are 128-bit identifiers rendered canonically as the
// folder name.
type DirectoryLayout struct {
	root string
}

func NewDirectoryLayout(root string) DirectoryLayout {
	return DirectoryLayout{root: root}
}

func (l DirectoryLayout) Root() string { return l.root }

func (l DirectoryLayout) IndexBase() string {
	return filepath.Join(l.root, indexCheckpointBase)
}

func (l DirectoryLayout) LogBase() string {
	return filepath.Join(l.root, logCheckpointBase)
}

func (l DirectoryLayout) IndexDir(token uuid.UUID) string {
	return filepath.Join(l.IndexBase(), token.String())
}

func (l DirectoryLayout) LogDir(token uuid.UUID) string {
	return filepath.Join(l.LogBase(), token.String())
}

func (l DirectoryLayout) IndexInfo(token uuid.UUID) string {
	return filepath.Join(l.IndexDir(token), checkpointInfoFile)
}

func (l DirectoryLayout) IndexChunk(token uuid.UUID, n int) string {
	return filepath.Join(l.IndexDir(token), fmt.Sprintf("ht.%d.dat", n))
}

func (l DirectoryLayout) LogInfo(token uuid.UUID) string {
	return filepath.Join(l.LogDir(token), checkpointInfoFile)
}

func (l DirectoryLayout) Snapshot(token uuid.UUID) string {
	return filepath.Join(l.LogDir(token), snapshotFileName)
}

func (l DirectoryLayout) ObjectSnapshot(token uuid.UUID) string {
	return filepath.Join(l.LogDir(token), objectSnapshotName)
}

func (l DirectoryLayout) LogFile() string {
	return filepath.Join(l.root, logFileName)
}

func (l DirectoryLayout) LockFile() string {
	return filepath.Join(l.root, lockFileName)
}
