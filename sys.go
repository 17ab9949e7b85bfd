package faster

import (
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

var ErrWriteByOther = errors.New("store opened with write mode by another process")

// flock acquires an advisory lock on the store's lock file: shared for
// read-only opens, exclusive otherwise.
func flock(f *os.File, readOnly bool) error {
	flag := syscall.LOCK_SH
	if !readOnly {
		flag = syscall.LOCK_EX
	}

	err := syscall.Flock(int(f.Fd()), flag|syscall.LOCK_NB)
	if err == nil {
		return nil
	} else if err.(syscall.Errno) == syscall.EWOULDBLOCK || err.(syscall.Errno) == syscall.EAGAIN { // linux & unix
		return ErrWriteByOther
	} else {
		return errors.Wrap(err, "flock failed: unknown error")
	}
}

// waitflock retries the advisory lock until it is granted or the
// timeout elapses.
func waitflock(f *os.File, readOnly bool, timeout time.Duration) error {
	var t time.Time
	for {
		// If we're beyond our timeout then return an error.
		// This can only occur after we've attempted a flock once.
		if t.IsZero() {
			t = time.Now()
		} else if timeout > 0 && time.Since(t) > timeout {
			return errors.New("timeout")
		}
		err := flock(f, readOnly)
		if !errors.Is(err, ErrWriteByOther) {
			return err
		}
		// Wait for a bit and try again.
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases an advisory lock on a file descriptor.
func funlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
