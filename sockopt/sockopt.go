// Package sockopt is a thin collaborator around raw socket fds: setting
// keep-alive and TCP_NODELAY, non-blocking
// write, write-half shutdown, and endpoint retrieval. The calls it wraps
// are exactly the ones original_source/muduo/net/TcpConnection.cc makes
// into its (unretrieved) SocketsOps/Socket collaborator — socket_->
// setKeepAlive, socket_->setTcpNoDelay, socket_->shutdownWrite,
// sockets::write, sockets::getSocketError.
package sockopt

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetNonblock marks fd non-blocking, required before it can be driven by
// the epoll-based EventLoop.
func SetNonblock(fd int) error {
	return errors.Wrap(unix.SetNonblock(fd, true), "set nonblocking")
}

// SetKeepAlive enables or disables SO_KEEPALIVE.
func SetKeepAlive(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v), "setsockopt SO_KEEPALIVE")
}

// SetTCPNoDelay enables or disables TCP_NODELAY (Nagle's algorithm off).
func SetTCPNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return errors.Wrap(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v), "setsockopt TCP_NODELAY")
}

// SetReuseAddr enables SO_REUSEADDR, used by a listening socket created
// without go-reuseport's SO_REUSEPORT path.
func SetReuseAddr(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v), "setsockopt SO_REUSEADDR")
}

// Write performs a single non-blocking write. Callers classify the
// returned error against unix.EAGAIN/EWOULDBLOCK/EPIPE/ECONNRESET
// themselves.
func Write(fd int, data []byte) (int, error) {
	n, err := unix.Write(fd, data)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Read performs a single non-blocking read into buf.
func Read(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// ShutdownWrite half-closes the write side of the connection.
func ShutdownWrite(fd int) error {
	return errors.Wrap(unix.Shutdown(fd, unix.SHUT_WR), "shutdown(SHUT_WR)")
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// SocketError retrieves and clears SO_ERROR, used by handleError in
// tcpconn.Conn.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// LocalAddr and PeerAddr return the socket's endpoints as net.Addr, using
// the stdlib's sockaddr<->net.Addr conversion via a FileConn round-trip is
// avoided here in favor of direct getsockname/getpeername so the caller
// doesn't need to dup the fd into an *os.File.
func LocalAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, errors.Wrap(err, "getsockname")
	}
	return sockaddrToTCPAddr(sa), nil
}

func PeerAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, errors.Wrap(err, "getpeername")
	}
	return sockaddrToTCPAddr(sa), nil
}

// SockaddrToAddr converts a raw unix.Sockaddr from accept(2)/getsockname(2)
// into a net.Addr, for IPv4/IPv6 TCP sockets.
func SockaddrToAddr(sa unix.Sockaddr) net.Addr {
	return sockaddrToTCPAddr(sa)
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}
	default:
		return nil
	}
}
