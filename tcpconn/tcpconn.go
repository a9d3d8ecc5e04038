// Package tcpconn implements Conn: the per-connection state machine and
// buffered I/O, translated method-for-method from
// original_source/muduo/net/TcpConnection.cc.
package tcpconn

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/loopwire/reactor/buffer"
	"github.com/loopwire/reactor/eventloop"
	"github.com/loopwire/reactor/handler"
	"github.com/loopwire/reactor/rlog"
	"github.com/loopwire/reactor/sockopt"
	"golang.org/x/sys/unix"
)

// State is the connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DefaultHighWaterMark is the output-buffer threshold above which the
// high-water-mark callback fires.
const DefaultHighWaterMark = 64 * 1024 * 1024

// ConnectionCallback fires whenever the connection goes up or down.
type ConnectionCallback func(c *Conn)

// MessageCallback fires when bytes become available in the input buffer.
type MessageCallback func(c *Conn, in *buffer.Buffer, receiveTime time.Time)

// WriteCompleteCallback fires once the output buffer has fully drained
// after having been non-empty.
type WriteCompleteCallback func(c *Conn)

// HighWaterMarkCallback fires when a send crosses the high-water mark
// upward, with the new total queued size.
type HighWaterMarkCallback func(c *Conn, queuedBytes int)

// CloseCallback is installed by the owning server to learn when a
// connection has fully torn down; handleClose invokes it last, after its
// own state transition and connectionCB, so the server never sees a
// half-torn-down connection.
type CloseCallback func(c *Conn)

func defaultConnectionCallback(c *Conn) {}
func defaultMessageCallback(c *Conn, in *buffer.Buffer, _ time.Time) {
	in.RetrieveAll()
}

// Conn is the TcpConnection state machine. Constructed by a server on the
// acceptor's loop with state=connecting; transitioned to connected via
// ConnectEstablished on its owning worker loop.
type Conn struct {
	loop *eventloop.EventLoop
	name string
	fd   int

	state int32 // atomic State

	readingFlag int32 // atomic bool tracking whether reads are enabled

	h *handler.Handler

	localAddr net.Addr
	peerAddr  net.Addr

	input  *buffer.Buffer
	output *buffer.Buffer

	highWaterMark int

	connectionCB  ConnectionCallback
	messageCB     MessageCallback
	writeCompleteCB WriteCompleteCallback
	highWaterMarkCB HighWaterMarkCallback
	closeCB       CloseCallback

	log rlog.Logger

	// alive backs the weak-owner resolver handed to the Handler's Tie: it
	// flips to 0 only once ConnectDestroyed has run, i.e. strictly later
	// than any dispatch that might be holding a strong reference to self
	// via a closure capture.
	alive int32

	userData interface{}
}

// New constructs a Conn bound to loop, wrapping an already-accepted,
// already-nonblocking fd. Socket-level setup (keepalive) happens here;
// registration with the Handler happens in ConnectEstablished.
func New(loop *eventloop.EventLoop, name string, fd int, localAddr, peerAddr net.Addr, keepAlive bool, log rlog.Logger) *Conn {
	if log == nil {
		log = rlog.Nop()
	}
	c := &Conn{
		loop:          loop,
		name:          name,
		fd:            fd,
		state:         int32(StateConnecting),
		readingFlag:   1,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		input:         buffer.New(),
		output:        buffer.New(),
		highWaterMark: DefaultHighWaterMark,
		connectionCB:  defaultConnectionCallback,
		messageCB:     defaultMessageCallback,
		log:           log,
		alive:         1,
	}
	c.h = loop.NewHandler(fd)
	c.h.SetReadCallback(c.handleRead)
	c.h.SetWriteCallback(c.handleWrite)
	c.h.SetCloseCallback(c.handleClose)
	c.h.SetErrorCallback(c.handleError)
	_ = sockopt.SetKeepAlive(fd, keepAlive)
	return c
}

func (c *Conn) Name() string       { return c.name }
func (c *Conn) Fd() int            { return c.fd }
func (c *Conn) LocalAddr() net.Addr { return c.localAddr }
func (c *Conn) PeerAddr() net.Addr  { return c.peerAddr }
func (c *Conn) Loop() *eventloop.EventLoop { return c.loop }
func (c *Conn) State() State       { return State(atomic.LoadInt32(&c.state)) }
func (c *Conn) Connected() bool    { return c.State() == StateConnected }

// Context / SetContext let an embedder attach arbitrary per-connection
// state.
func (c *Conn) Context() interface{}        { return c.userData }
func (c *Conn) SetContext(ctx interface{})  { c.userData = ctx }

func (c *Conn) SetConnectionCallback(cb ConnectionCallback) {
	if cb == nil {
		cb = defaultConnectionCallback
	}
	c.connectionCB = cb
}
func (c *Conn) SetMessageCallback(cb MessageCallback) {
	if cb == nil {
		cb = defaultMessageCallback
	}
	c.messageCB = cb
}
func (c *Conn) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCB = cb }
func (c *Conn) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCB = cb
	c.highWaterMark = mark
}
func (c *Conn) SetCloseCallback(cb CloseCallback) { c.closeCB = cb }

func (c *Conn) SetTCPNoDelay(on bool) { _ = sockopt.SetTCPNoDelay(c.fd, on) }

// StartRead / StopRead toggle read interest; thread-safe via RunInLoop.
func (c *Conn) StartRead() {
	c.loop.RunInLoop(c.startReadInLoop)
}
func (c *Conn) startReadInLoop() {
	c.loop.AssertInLoopThread()
	if atomic.LoadInt32(&c.readingFlag) == 0 || !c.h.IsReading() {
		c.h.EnableReading()
		atomic.StoreInt32(&c.readingFlag, 1)
	}
}
func (c *Conn) StopRead() {
	c.loop.RunInLoop(c.stopReadInLoop)
}
func (c *Conn) stopReadInLoop() {
	c.loop.AssertInLoopThread()
	if atomic.LoadInt32(&c.readingFlag) != 0 || c.h.IsReading() {
		c.h.DisableReading()
		atomic.StoreInt32(&c.readingFlag, 0)
	}
}

// weakResolve is handed to handler.Handler.Tie: it reports the Conn itself
// as its own owner as long as connectDestroyed hasn't run yet.
func (c *Conn) weakResolve() (interface{}, bool) {
	return c, atomic.LoadInt32(&c.alive) != 0
}

// ConnectEstablished is the one-shot transition from connecting to
// connected, run on the owning worker loop after construction.
func (c *Conn) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if c.State() != StateConnecting {
		c.log.Sysfatal(nil, "tcpconn: ConnectEstablished called in state %s", c.State())
	}
	atomic.StoreInt32(&c.state, int32(StateConnected))
	c.h.Tie(c.weakResolve)
	c.h.EnableReading()
	c.connectionCB(c)
}

// ConnectDestroyed finalizes teardown on the owning loop: if the
// connection was still connected it synthesizes the down transition, then
// unconditionally removes the Handler and closes the socket (once, even if
// called again). Idempotent against a prior handleClose.
func (c *Conn) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.State() == StateConnected {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		c.h.DisableAll()
		c.connectionCB(c)
	}
	c.h.Remove()
	if atomic.CompareAndSwapInt32(&c.alive, 1, 0) {
		_ = sockopt.Close(c.fd)
	}
}

// Send is the thread-safe public send entry point.
func (c *Conn) Send(data []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	owned := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(owned) })
}

// SendString is a convenience wrapper over Send.
func (c *Conn) SendString(s string) { c.Send([]byte(s)) }

// SendBuffer sends everything currently readable in buf, draining it.
func (c *Conn) SendBuffer(buf *buffer.Buffer) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	s := buf.RetrieveAllAsString()
	c.loop.RunInLoop(func() { c.sendInLoop([]byte(s)) })
}

// sendInLoop is the real send algorithm: try a direct non-blocking write
// first, and only queue the remainder once the socket can't take more.
func (c *Conn) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		c.log.Warnf("tcpconn %s: disconnected, give up writing", c.name)
		return
	}

	var nwrote int
	remaining := len(data)
	faultError := false

	if !c.h.IsWriting() && c.output.ReadableBytes() == 0 {
		n, err := sockopt.Write(c.fd, data)
		if err == nil {
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.writeCompleteCB != nil {
				cb := c.writeCompleteCB
				c.loop.QueueInLoop(func() { cb(c) })
			}
		} else {
			nwrote = 0
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				c.log.Syserr(err, "tcpconn %s: sendInLoop write", c.name)
				if err == unix.EPIPE || err == unix.ECONNRESET {
					faultError = true
				}
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.output.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCB != nil {
			total := oldLen + remaining
			cb := c.highWaterMarkCB
			c.loop.QueueInLoop(func() { cb(c, total) })
		}
		c.output.Append(data[nwrote:])
		if !c.h.IsWriting() {
			c.h.EnableWriting()
		}
	}
}

// Shutdown half-closes the connection once any queued output has drained.
func (c *Conn) Shutdown() {
	if atomic.CompareAndSwapInt32(&c.state, int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Conn) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if !c.h.IsWriting() {
		_ = sockopt.ShutdownWrite(c.fd)
	}
}

// ForceClose tears the connection down immediately, as if the peer had
// closed it, regardless of queued output. The guard accepts both
// {connected, disconnecting} intentionally, so a forced close always wins
// over an in-flight graceful shutdown.
func (c *Conn) ForceClose() {
	s := c.State()
	if s == StateConnected || s == StateDisconnecting {
		atomic.StoreInt32(&c.state, int32(StateDisconnecting))
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

// ForceCloseWithDelay schedules a ForceClose after delay, resolved through
// the same weak-owner mechanism the Handler uses, so a connection that's
// already torn down by the time the timer fires is simply skipped.
func (c *Conn) ForceCloseWithDelay(delay time.Duration) {
	s := c.State()
	if s == StateConnected || s == StateDisconnecting {
		atomic.StoreInt32(&c.state, int32(StateDisconnecting))
		c.loop.RunAfter(delay, func() {
			if _, alive := c.weakResolve(); alive {
				c.ForceClose()
			}
		})
	}
}

func (c *Conn) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	s := c.State()
	if s == StateConnected || s == StateDisconnecting {
		c.handleClose()
	}
}

// handleRead reads into the input buffer and dispatches to the message
// callback, or tears down on EOF/error.
func (c *Conn) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	n, err := c.input.ReadFd(c.fd)
	switch {
	case n > 0:
		c.messageCB(c, c.input, receiveTime)
	case n == 0:
		c.handleClose()
	default:
		_ = err
		c.log.Syserr(err, "tcpconn %s: handleRead", c.name)
		c.handleError()
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			c.handleClose()
		}
	}
}

// handleWrite drains the output buffer; only meaningful while the Handler
// is interested in WRITE.
func (c *Conn) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.h.IsWriting() {
		c.log.Tracef("tcpconn %s: fd=%d is down, no more writing", c.name, c.fd)
		return
	}
	n, err := sockopt.Write(c.fd, c.output.Peek())
	if err != nil {
		c.log.Syserr(err, "tcpconn %s: handleWrite", c.name)
		return
	}
	c.output.Retrieve(n)
	if c.output.ReadableBytes() == 0 {
		c.h.DisableWriting()
		if c.writeCompleteCB != nil {
			cb := c.writeCompleteCB
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose is the single path both passive (peer hangup, read==0) and
// active (shutdown/forceClose) teardown route through. The close callback
// — which deregisters the connection from its owning server — must run
// last.
func (c *Conn) handleClose() {
	c.loop.AssertInLoopThread()
	s := c.State()
	if s != StateConnected && s != StateDisconnecting {
		return
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnected))
	c.h.DisableAll()

	c.connectionCB(c)
	if c.closeCB != nil {
		c.closeCB(c)
	}
}

// handleError logs the socket's pending SO_ERROR. No automatic recovery;
// the subsequent read typically surfaces the close.
func (c *Conn) handleError() {
	if err := sockopt.SocketError(c.fd); err != nil {
		c.log.Errorf("tcpconn %s: SO_ERROR = %v", c.name, err)
	}
}
