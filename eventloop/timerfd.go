package eventloop

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/loopwire/reactor/timer"
)

// timerfdArmer implements timer.Armer against a CLOCK_MONOTONIC timerfd,
// non-blocking and close-on-exec.
type timerfdArmer struct {
	fd int
}

func newTimerfdArmer() (*timerfdArmer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "timerfd_create")
	}
	return &timerfdArmer{fd: fd}, nil
}

func (a *timerfdArmer) Close() error {
	return unix.Close(a.fd)
}

// Arm re-arms the timerfd to fire at `when`, clamping the delta to
// timer.MinArmDelay to sidestep zero-timeout edge cases in timerfd_settime.
func (a *timerfdArmer) Arm(when time.Time) {
	d := time.Until(when)
	if d < timer.MinArmDelay {
		d = timer.MinArmDelay
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	_ = unix.TimerfdSettime(a.fd, 0, &spec, nil)
}

// Drain reads the 8-byte expiration counter so the timerfd stops reporting
// readable until it next fires.
func (a *timerfdArmer) Drain() {
	var buf [8]byte
	n, err := unix.Read(a.fd, buf[:])
	if err != nil || n != 8 {
		return
	}
	_ = binary.LittleEndian.Uint64(buf[:])
}
