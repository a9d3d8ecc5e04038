package tcpserver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwire/reactor/buffer"
	"github.com/loopwire/reactor/sockopt"
	"github.com/loopwire/reactor/tcpconn"
)

func waitForCond(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newRunningServer(t *testing.T, numEventLoop int) (*Server, net.Addr, func()) {
	t.Helper()
	srv, err := New(Options{Name: "testsrv", Addr: "127.0.0.1:0", NumEventLoop: numEventLoop})
	require.NoError(t, err)

	addr, err := sockopt.LocalAddr(srv.acceptor.listenFd)
	require.NoError(t, err)

	loopDone := make(chan struct{})
	go func() {
		srv.BaseLoop().Loop()
		_ = srv.BaseLoop().Close()
		close(loopDone)
	}()

	srv.Start()
	waitForCond(t, time.Second, srv.acceptor.Listening)

	return srv, addr, func() {
		srv.Stop()
		<-loopDone
	}
}

func TestServerAcceptsAndEchoesTraffic(t *testing.T) {
	srv, addr, stop := newRunningServer(t, 1)
	defer stop()

	srv.SetMessageCallback(func(c *tcpconn.Conn, in *buffer.Buffer, _ time.Time) {
		c.Send([]byte(in.RetrieveAllAsString()))
	})

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("echo me"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo me", string(buf[:n]))
}

func TestServerTracksConnectionRegistry(t *testing.T) {
	srv, addr, stop := newRunningServer(t, 0)
	defer stop()

	opened := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)
	srv.SetConnectionCallback(func(c *tcpconn.Conn) {
		if c.Connected() {
			opened <- struct{}{}
		} else {
			closed <- struct{}{}
		}
	})

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("connection callback never fired for open")
	}

	waitForCond(t, time.Second, func() bool { return len(srv.Connections()) == 1 })

	require.NoError(t, conn.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection callback never fired for close")
	}

	waitForCond(t, time.Second, func() bool { return len(srv.Connections()) == 0 })
}

func TestServerDistributesConnectionsAcrossWorkerLoops(t *testing.T) {
	srv, addr, stop := newRunningServer(t, 2)
	defer stop()

	var mu sync.Mutex
	loopsSeen := make(map[interface{}]struct{})
	srv.SetConnectionCallback(func(c *tcpconn.Conn) {
		if !c.Connected() {
			return
		}
		mu.Lock()
		loopsSeen[c.Loop()] = struct{}{}
		mu.Unlock()
	})

	var conns []net.Conn
	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	waitForCond(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(loopsSeen) == 2
	})
}

func TestServerStartIsIdempotent(t *testing.T) {
	srv, _, stop := newRunningServer(t, 0)
	defer stop()

	srv.Start()
	srv.Start()
	assert.True(t, srv.acceptor.Listening())
}

func TestServerAsyncCloseFdClosesFd(t *testing.T) {
	srv, _, stop := newRunningServer(t, 0)
	defer stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	tcpConn := c.(*net.TCPConn)
	f, err := tcpConn.File()
	require.NoError(t, err)
	fd := int(f.Fd())

	srv.AsyncCloseFd(fd)

	waitForCond(t, time.Second, func() bool {
		_, err := sockopt.LocalAddr(fd)
		return err != nil
	})
}
