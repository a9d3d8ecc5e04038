// Package netpoll is the level-triggered I/O multiplexer strategy: a thin
// wrapper over epoll that, given a set of registered Entry values, blocks up
// to a timeout and returns the subset that became ready. It knows nothing
// about handlers, connections, or callbacks — only file descriptors and
// interest bits — so that the dispatch logic in package handler stays
// decoupled from the kernel facility underneath it.
package netpoll

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollState is the per-Entry registration state tracked against the
// kernel's epoll interest set.
type pollState int32

const (
	stateNew pollState = iota
	stateRegistered
	stateDeleted
)

// Entry is anything netpoll can register for readiness: in this module
// that's always a *handler.Handler, but netpoll is defined without
// importing package handler to keep the dependency direction
// handler -> netpoll -> kernel, not the reverse.
type Entry interface {
	Fd() int
	Events() uint32
	SetRevents(uint32)
	pollIndexHolder
}

type pollIndexHolder interface {
	PollIndex() int32
	SetPollIndex(int32)
}

// Poller owns one epoll instance and the fd->Entry registry needed to
// annotate ready descriptors in O(1) per descriptor.
type Poller struct {
	epfd    int
	entries map[int]Entry
	events  []unix.EpollEvent
}

// New creates a fresh epoll instance. Failure here is a fatal setup error
// — the caller is expected to route it to rlog.Sysfatal.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Poller{
		epfd:    epfd,
		entries: make(map[int]Entry),
		events:  make([]unix.EpollEvent, 128),
	}, nil
}

// Close releases the epoll fd. Registered entries are not touched; the
// owner is responsible for having removed them first.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Poll blocks for at most timeout waiting for readiness, returning the
// receive timestamp captured immediately after wakeup and the entries that
// became ready, each already annotated with its observed revents mask.
//
// A transient EINTR (signal delivery) yields an empty active list and the
// current timestamp rather than propagating an error.
func (p *Poller) Poll(timeout time.Duration) (time.Time, []Entry, error) {
	timeoutMs := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil, nil
		}
		return now, nil, errors.Wrap(err, "epoll_wait")
	}
	if n == len(p.events) {
		// The kernel filled every slot we gave it; grow for next time so a
		// single busy poll cycle doesn't need multiple EpollWait rounds.
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	active := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		entry, ok := p.entries[fd]
		if !ok {
			continue
		}
		entry.SetRevents(p.events[i].Events)
		active = append(active, entry)
	}
	return now, active, nil
}

// Update routes an Entry's interest-mask change to the right epoll_ctl
// operation based on the {new, registered, logically-deleted} transitions.
func (p *Poller) Update(e Entry) error {
	state := pollState(e.PollIndex())
	if e.Events() == 0 {
		switch state {
		case stateNew:
			// Never registered and already empty: nothing to do.
			return nil
		case stateRegistered:
			e.SetPollIndex(int32(stateDeleted))
			return p.ctl(unix.EPOLL_CTL_DEL, e, 0)
		case stateDeleted:
			return nil
		}
	}
	switch state {
	case stateNew, stateDeleted:
		// A logically-deleted entry has fallen out of the kernel's
		// interest set, so re-enabling it is an ADD, never a MODIFY.
		p.entries[e.Fd()] = e
		e.SetPollIndex(int32(stateRegistered))
		return p.ctl(unix.EPOLL_CTL_ADD, e, e.Events())
	case stateRegistered:
		return p.ctl(unix.EPOLL_CTL_MOD, e, e.Events())
	}
	return nil
}

// Remove requires the Entry to have already gone through Update with an
// empty interest mask (state == logically-deleted) and drops it from the
// registry entirely.
func (p *Poller) Remove(e Entry) error {
	fd := e.Fd()
	if eh, ok := e.(interface{ EventHandling() bool }); ok && eh.EventHandling() {
		return errors.Errorf("netpoll: remove of fd=%d during its own dispatch", fd)
	}
	state := pollState(e.PollIndex())
	if state == stateRegistered {
		if err := p.ctl(unix.EPOLL_CTL_DEL, e, 0); err != nil {
			return err
		}
	}
	delete(p.entries, fd)
	e.SetPollIndex(int32(stateNew))
	return nil
}

func (p *Poller) ctl(op int, e Entry, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(e.Fd())}
	if err := unix.EpollCtl(p.epfd, op, e.Fd(), &ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl(op=%d, fd=%d)", op, e.Fd())
	}
	return nil
}
