package reactor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwire/reactor/buffer"
)

// fixtureHandler records every callback invocation so a test can assert on
// the sequence a running Serve call produces.
type fixtureHandler struct {
	DefaultEventHandler

	mu       sync.Mutex
	opened   int
	closed   int
	traffic  [][]byte
	initDone chan Server
}

func (h *fixtureHandler) OnInitComplete(srv Server) {
	h.initDone <- srv
}

func (h *fixtureHandler) OnOpened(c Conn) {
	h.mu.Lock()
	h.opened++
	h.mu.Unlock()
}

func (h *fixtureHandler) OnClosed(c Conn) {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
}

func (h *fixtureHandler) OnTraffic(c Conn, in *buffer.Buffer, _ time.Time) {
	data := []byte(in.RetrieveAllAsString())
	h.mu.Lock()
	h.traffic = append(h.traffic, data)
	h.mu.Unlock()
	c.Send(data)
}

func (h *fixtureHandler) snapshot() (opened, closed, frames int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened, h.closed, len(h.traffic)
}

func waitForServeCond(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestServeInvokesInitCompleteAndEchoesTraffic(t *testing.T) {
	handler := &fixtureHandler{initDone: make(chan Server, 1)}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(handler, "127.0.0.1:0", WithName("fixture"), WithNumEventLoop(1))
	}()

	var srv Server
	select {
	case srv = <-handler.initDone:
	case <-time.After(2 * time.Second):
		t.Fatal("OnInitComplete never fired")
	}
	defer func() {
		Stop(srv)
		select {
		case err := <-serveErr:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Serve never returned after Stop")
		}
	}()

	waitForServeCond(t, time.Second, srv.Listening)

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	conn, dialErr := net.Dial("tcp", addr.String())
	require.NoError(t, dialErr)
	defer conn.Close()

	_, writeErr := conn.Write([]byte("ping"))
	require.NoError(t, writeErr)

	buf := make([]byte, 16)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, readErr := conn.Read(buf)
	require.NoError(t, readErr)
	assert.Equal(t, "ping", string(buf[:n]))

	waitForServeCond(t, time.Second, func() bool {
		opened, _, frames := handler.snapshot()
		return opened == 1 && frames == 1
	})

	require.NoError(t, conn.Close())
	waitForServeCond(t, time.Second, func() bool {
		_, closed, _ := handler.snapshot()
		return closed == 1
	})
}

func TestServerCountConnectionsReflectsRegistry(t *testing.T) {
	handler := &fixtureHandler{initDone: make(chan Server, 1)}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(handler, "127.0.0.1:0", WithName("fixture-count"))
	}()

	var srv Server
	select {
	case srv = <-handler.initDone:
	case <-time.After(2 * time.Second):
		t.Fatal("OnInitComplete never fired")
	}
	defer func() {
		Stop(srv)
		<-serveErr
	}()

	waitForServeCond(t, time.Second, srv.Listening)

	addr, err := srv.BoundAddr()
	require.NoError(t, err)

	conn, dialErr := net.Dial("tcp", addr.String())
	require.NoError(t, dialErr)
	defer conn.Close()

	waitForServeCond(t, time.Second, func() bool { return srv.CountConnections() == 1 })

	require.NoError(t, conn.Close())
	waitForServeCond(t, time.Second, func() bool { return srv.CountConnections() == 0 })
}
