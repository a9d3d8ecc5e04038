package tcpserver

import (
	"net"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/loopwire/reactor/eventloop"
	"github.com/loopwire/reactor/handler"
	"github.com/loopwire/reactor/rlog"
	"github.com/loopwire/reactor/sockopt"
)

// NewConnCallback hands a freshly accepted, non-blocking fd and its peer
// address to the owner; called on the acceptor's own loop.
type NewConnCallback func(fd int, peerAddr net.Addr)

// Acceptor owns the listening socket and drives the accept loop. It
// accepts in a loop until EAGAIN rather than once per readiness
// notification, since epoll is level-triggered and a single accept per
// wakeup would starve a listen backlog under a connection burst.
type Acceptor struct {
	loop     *eventloop.EventLoop
	listenFd int
	h        *handler.Handler
	log      rlog.Logger

	listening bool
	newConnCB NewConnCallback

	// idleFds are reserve file descriptors held open purely so that when
	// the process hits its open-file limit (EMFILE/ENFILE), the acceptor
	// can close them, accept the pending connections just to immediately
	// drop them, and reopen the reserve — instead of spinning on a
	// readable listening socket it can never actually drain. The reserve
	// count is the number of EMFILE-triggered accepts one recovery pass
	// can drain before falling back to spinning again.
	idleFds []int
}

// NewAcceptor opens a listening socket for addr (host:port). reusePort
// requests SO_REUSEPORT via go-reuseport so multiple processes (or loops
// in multi-reactor mode) can share one port. idleFDReserve sets how many
// reserve fds are held for EMFILE recovery; values less than 1 are
// treated as 1, since recovery needs at least one fd to close and reopen.
func NewAcceptor(loop *eventloop.EventLoop, addr string, reusePort bool, idleFDReserve int, log rlog.Logger) (*Acceptor, error) {
	if log == nil {
		log = rlog.Nop()
	}
	var ln net.Listener
	var err error
	if reusePort {
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, errors.Errorf("listener for %s is not TCP", addr)
	}
	file, err := tcpLn.File()
	if err != nil {
		_ = ln.Close()
		return nil, errors.Wrap(err, "extract listener fd")
	}
	// The dup'd fd in file survives the net.Listener's close. The
	// original net.Listener/TCPListener are only needed to obtain it.
	fd := int(file.Fd())
	_ = ln.Close()

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "set listener nonblocking")
	}

	if idleFDReserve < 1 {
		idleFDReserve = 1
	}
	idleFds, err := openIdleFds(idleFDReserve)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "reserve idle fd")
	}

	a := &Acceptor{loop: loop, listenFd: fd, log: log, idleFds: idleFds}
	a.h = loop.NewHandler(fd)
	a.h.SetReadCallback(func(time.Time) { a.handleRead() })
	a.h.DoNotLogHup()
	return a, nil
}

// SetNewConnectionCallback installs the callback invoked per accepted fd.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnCallback) { a.newConnCB = cb }

// Listen begins listening and enables readiness on the acceptor's loop.
// Must run on the acceptor's own loop.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	if err := unix.Listen(a.listenFd, unix.SOMAXCONN); err != nil {
		return errors.Wrap(err, "listen(2)")
	}
	a.listening = true
	a.h.EnableReading()
	return nil
}

// Listening reports whether Listen has run.
func (a *Acceptor) Listening() bool { return a.listening }

// Addr returns the listening socket's bound local address.
func (a *Acceptor) Addr() (net.Addr, error) { return sockopt.LocalAddr(a.listenFd) }

// handleRead is the real accept-until-EAGAIN loop, wired as the Handler's
// read callback in NewAcceptor.
func (a *Acceptor) handleRead() {
	a.loop.AssertInLoopThread()
	for {
		nfd, sa, err := unix.Accept(a.listenFd)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return
			case unix.EMFILE, unix.ENFILE:
				a.log.Warnf("tcpserver: accept: too many open files, dropping a connection")
				a.recoverFromEMFILE()
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				a.log.Syserr(err, "tcpserver: accept")
				return
			}
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			a.log.Syserr(err, "tcpserver: set accepted fd nonblocking")
			_ = unix.Close(nfd)
			continue
		}
		if a.newConnCB != nil {
			a.newConnCB(nfd, sockopt.SockaddrToAddr(sa))
		}
	}
}

// openIdleFds opens n reserve descriptors against /dev/null.
func openIdleFds(n int) ([]int, error) {
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			for _, f := range fds {
				_ = unix.Close(f)
			}
			return nil, err
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// recoverFromEMFILE frees the idle reserve fds, accepts and immediately
// discards up to one pending connection per reserve fd from the head of the
// backlog, then reopens the reserve so the same recovery is available next
// time.
func (a *Acceptor) recoverFromEMFILE() {
	for _, fd := range a.idleFds {
		_ = unix.Close(fd)
	}
	for range a.idleFds {
		fd, _, err := unix.Accept(a.listenFd)
		if err != nil {
			break
		}
		_ = sockopt.Close(fd)
	}
	a.idleFds, _ = openIdleFds(len(a.idleFds))
}

// Close stops listening and releases the listening and reserve fds.
func (a *Acceptor) Close() error {
	a.h.DisableAll()
	a.h.Remove()
	for _, fd := range a.idleFds {
		_ = unix.Close(fd)
	}
	return unix.Close(a.listenFd)
}
