package eventloop

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// wakeupFD wraps a non-blocking eventfd used purely to break a blocking
// epoll_wait from another goroutine: an 8-byte write bumps the kernel
// counter, an 8-byte read drains it back to zero.
type wakeupFD struct {
	fd int
}

func newWakeupFD() (*wakeupFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd2")
	}
	return &wakeupFD{fd: fd}, nil
}

func (w *wakeupFD) Close() error { return unix.Close(w.fd) }

func (w *wakeupFD) Wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(w.fd, buf[:])
}

func (w *wakeupFD) Drain() {
	var buf [8]byte
	_, _ = unix.Read(w.fd, buf[:])
}
