package sockopt

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// tcpFdPair dials a loopback TCP connection and hands back raw,
// caller-owned duplicated fds for both ends, via the standard library's own
// (*net.TCPConn).File, so sockopt's syscall wrappers can be exercised
// against a real kernel socket without sockopt itself ever creating one.
func tcpFdPair(t *testing.T) (clientFd, serverFd int, clientAddr, serverAddr net.Addr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptedCh

	cf, err := client.(*net.TCPConn).File()
	require.NoError(t, err)
	sf, err := server.(*net.TCPConn).File()
	require.NoError(t, err)

	clientFd = int(cf.Fd())
	serverFd = int(sf.Fd())
	require.NoError(t, unix.SetNonblock(clientFd, true))
	require.NoError(t, unix.SetNonblock(serverFd, true))

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
		_ = cf.Close()
		_ = sf.Close()
	})

	return clientFd, serverFd, client.LocalAddr(), server.LocalAddr()
}

func TestWriteReadRoundTrip(t *testing.T) {
	clientFd, serverFd, _, _ := tcpFdPair(t)

	n, err := Write(clientFd, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	var got int
	for i := 0; i < 100; i++ {
		n, err := Read(serverFd, buf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		got = n
		break
	}
	require.Greater(t, got, 0)
	assert.Equal(t, "ping", string(buf[:got]))
}

func TestSetKeepAliveAndTCPNoDelayDoNotError(t *testing.T) {
	clientFd, _, _, _ := tcpFdPair(t)
	assert.NoError(t, SetKeepAlive(clientFd, true))
	assert.NoError(t, SetKeepAlive(clientFd, false))
	assert.NoError(t, SetTCPNoDelay(clientFd, true))
	assert.NoError(t, SetTCPNoDelay(clientFd, false))
}

func TestSetReuseAddr(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	assert.NoError(t, SetReuseAddr(fd, true))
}

func TestShutdownWriteCausesPeerEOF(t *testing.T) {
	clientFd, serverFd, _, _ := tcpFdPair(t)

	require.NoError(t, ShutdownWrite(clientFd))

	buf := make([]byte, 16)
	var n int
	var err error
	for i := 0; i < 100; i++ {
		n, err = Read(serverFd, buf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a shut-down write half must surface as EOF (read returning 0) on the peer")
}

func TestSocketErrorIsNilOnHealthySocket(t *testing.T) {
	clientFd, _, _, _ := tcpFdPair(t)
	assert.NoError(t, SocketError(clientFd))
}

func TestLocalAddrAndPeerAddrMatchStdlib(t *testing.T) {
	clientFd, serverFd, clientAddr, serverAddr := tcpFdPair(t)

	local, err := LocalAddr(clientFd)
	require.NoError(t, err)
	assert.Equal(t, clientAddr.String(), local.String())

	peer, err := PeerAddr(clientFd)
	require.NoError(t, err)
	assert.Equal(t, serverAddr.String(), peer.String())
}

func TestSockaddrToAddrHandlesIPv4(t *testing.T) {
	sa := &unix.SockaddrInet4{Port: 4242, Addr: [4]byte{127, 0, 0, 1}}
	addr := SockaddrToAddr(sa)
	require.NotNil(t, addr)
	tcpAddr, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	assert.Equal(t, 4242, tcpAddr.Port)
	assert.True(t, tcpAddr.IP.Equal(net.IPv4(127, 0, 0, 1)))
}

func TestSockaddrToAddrRejectsUnknownFamily(t *testing.T) {
	assert.Nil(t, SockaddrToAddr(&unix.SockaddrUnix{Name: "/tmp/x"}))
}
