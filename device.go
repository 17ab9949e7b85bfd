package faster

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Device is the asynchronous block interface the recovery core drives.
// Completions run on the device's I/O goroutines; callers synchronize
// through their own status words, not through the device.
type Device interface {
	ReadAsync(offset int64, buf []byte, cb func(err error))
	WriteAsync(offset int64, buf []byte, cb func(err error))
	Sync() error
	Close() error
}

// FileDevice serves one log file with positional reads and writes.
type FileDevice struct {
	path string
	file *os.File
}

func OpenFileDevice(path string, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open device %s", path)
	}
	return &FileDevice{path: path, file: f}, nil
}

// ReadAsync fills buf from offset. A read past the end of the file
// zero-fills the remainder: the log file may be shorter than the last
// addressed page.
func (d *FileDevice) ReadAsync(offset int64, buf []byte, cb func(error)) {
	go func() {
		n, err := d.file.ReadAt(buf, offset)
		if err == io.EOF {
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			err = nil
		}
		if err != nil {
			log.Errorf("device %s: read %d bytes at %d: %v", d.path, len(buf), offset, err)
		}
		cb(err)
	}()
}

func (d *FileDevice) WriteAsync(offset int64, buf []byte, cb func(error)) {
	go func() {
		_, err := d.file.WriteAt(buf, offset)
		if err != nil {
			log.Errorf("device %s: write %d bytes at %d: %v", d.path, len(buf), offset, err)
		}
		cb(err)
	}()
}

func (d *FileDevice) Sync() error {
	return d.file.Sync()
}

func (d *FileDevice) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// readAt and writeAt adapt the async interface for the store's own
// synchronous paths (append eviction, cold reads).

func readAt(d Device, offset int64, buf []byte) error {
	ch := make(chan error, 1)
	d.ReadAsync(offset, buf, func(err error) { ch <- err })
	return <-ch
}

func writeAt(d Device, offset int64, buf []byte) error {
	ch := make(chan error, 1)
	d.WriteAsync(offset, buf, func(err error) { ch <- err })
	return <-ch
}
