// Package reactor is the embedder-facing surface over tcpserver.Server: a
// functional-options constructor plus an EventHandler interface, adapted
// from the public API shape of _examples' backwardn-gnet/gnet.go, rebuilt
// on top of this repository's own epoll/timerfd/TimerQueue/TcpConnection
// stack instead of gnet's internal netpoll package.
package reactor

import (
	"net"
	"time"

	"github.com/loopwire/reactor/buffer"
	"github.com/loopwire/reactor/eventloop"
	"github.com/loopwire/reactor/rlog"
	"github.com/loopwire/reactor/tcpconn"
	"github.com/loopwire/reactor/tcpserver"
)

// EventHandler is the set of callbacks an embedder implements to react to
// connection lifecycle and data events. Compose DefaultEventHandler to
// avoid implementing methods you don't care about.
type EventHandler interface {
	// OnInitComplete fires once, on the base loop, right before the
	// listening socket starts accepting.
	OnInitComplete(srv Server)

	// OnShutdown fires once Stop has torn down every connection and
	// worker loop.
	OnShutdown(srv Server)

	// OnOpened fires when a new connection is established, on that
	// connection's owning worker loop.
	OnOpened(c Conn)

	// OnClosed fires once a connection has fully torn down.
	OnClosed(c Conn)

	// OnTraffic fires whenever bytes become available to read from a
	// connection. Implementations read from c and decide how much, if
	// any, to retire from the buffer.
	OnTraffic(c Conn, in *buffer.Buffer, receiveTime time.Time)
}

// DefaultEventHandler implements EventHandler with no-ops, so embedders
// can embed it and override only the callbacks they need.
type DefaultEventHandler struct{}

func (DefaultEventHandler) OnInitComplete(Server)                     {}
func (DefaultEventHandler) OnShutdown(Server)                         {}
func (DefaultEventHandler) OnOpened(Conn)                             {}
func (DefaultEventHandler) OnClosed(Conn)                             {}
func (DefaultEventHandler) OnTraffic(Conn, *buffer.Buffer, time.Time) {}

// Conn is the per-connection handle exposed to an EventHandler. It is an
// alias for *tcpconn.Conn, not a copy of it: every Conn method mutates or
// reads the one shared connection state.
type Conn = *tcpconn.Conn

// Server is a read-only view of the running server, handed to
// OnInitComplete/OnShutdown for introspection.
type Server struct {
	Addr         string
	NumEventLoop int
	underlying   *tcpserver.Server
}

// CountConnections returns the number of currently registered connections.
func (s Server) CountConnections() int { return len(s.underlying.Connections()) }

// BoundAddr returns the listening socket's actual local address, resolving
// an ephemeral ":0" port in Addr to the one the kernel assigned.
func (s Server) BoundAddr() (net.Addr, error) { return s.underlying.Addr() }

// Listening reports whether the listening socket is currently accepting.
func (s Server) Listening() bool { return s.underlying.Listening() }

// options collects the functional-option targets, following the
// {Multicore, ReusePort, TCPKeepAlive, ...} shape of _examples/
// govoltron-voltron's TCPServer struct.
type options struct {
	name          string
	numEventLoop  int
	reusePort     bool
	lockOSThread  bool
	tcpKeepAlive  bool
	highWaterMark int
	idleFDReserve int
	logger        rlog.Logger
	threadInitCB  eventloop.ThreadInitCallback
}

// Option configures Serve.
type Option func(*options)

// WithName sets the server's name, used to prefix connection names and
// log lines.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithNumEventLoop sets how many worker loops accepted connections are
// distributed across round-robin. 0 (the default) means connections are
// served directly on the accepting loop.
func WithNumEventLoop(n int) Option { return func(o *options) { o.numEventLoop = n } }

// WithReusePort enables SO_REUSEPORT on the listening socket.
func WithReusePort(on bool) Option { return func(o *options) { o.reusePort = on } }

// WithLockOSThread requests that each worker loop's goroutine pin itself
// to an OS thread for its entire lifetime via runtime.LockOSThread.
func WithLockOSThread(on bool) Option { return func(o *options) { o.lockOSThread = on } }

// WithTCPKeepAlive enables SO_KEEPALIVE on accepted connections.
func WithTCPKeepAlive(on bool) Option { return func(o *options) { o.tcpKeepAlive = on } }

// WithHighWaterMark overrides the default output-buffer high-water mark
// given to each accepted connection. The server installs no
// HighWaterMarkCallback, so reaching the mark triggers nothing by itself; a
// callback set later with Conn.SetHighWaterMarkCallback replaces the mark
// with that call's own argument.
func WithHighWaterMark(bytes int) Option {
	return func(o *options) { o.highWaterMark = bytes }
}

// WithIdleFDReserve sets how many file descriptors the acceptor holds in
// reserve against /dev/null purely to free and reuse during EMFILE/ENFILE
// recovery, so a connection burst that exhausts the process's open-file
// limit can still be drained instead of spinning on a listening socket it
// can never accept from. Defaults to 1; values below 1 are treated as 1.
func WithIdleFDReserve(n int) Option {
	return func(o *options) { o.idleFDReserve = n }
}

// WithLogger installs the logger used throughout the server and its
// worker loops. Defaults to rlog.New() (zap production config).
func WithLogger(l rlog.Logger) Option { return func(o *options) { o.logger = l } }

// WithThreadInitCallback runs cb on each worker loop's goroutine before
// that loop begins dispatching.
func WithThreadInitCallback(cb eventloop.ThreadInitCallback) Option {
	return func(o *options) { o.threadInitCB = cb }
}

func loadOptions(opts ...Option) options {
	o := options{name: "reactor", logger: rlog.New()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Serve listens on addr (host:port, TCP only) and runs the reactor until
// Stop is called, the process is killed, or a fatal error occurs. It blocks for the
// lifetime of the server, dispatching on the calling goroutine, mirroring
// the run-to-completion shape of the corpus's own Serve entry points.
func Serve(handler EventHandler, addr string, opts ...Option) error {
	o := loadOptions(opts...)

	srv, err := tcpserver.New(tcpserver.Options{
		Name:          o.name,
		Addr:          addr,
		NumEventLoop:  o.numEventLoop,
		ReusePort:     o.reusePort,
		LockOSThread:  o.lockOSThread,
		TCPKeepAlive:  o.tcpKeepAlive,
		HighWaterMark: o.highWaterMark,
		IdleFDReserve: o.idleFDReserve,
		Logger:        o.logger,
		ThreadInitCB:  o.threadInitCB,
	})
	if err != nil {
		return err
	}

	view := Server{Addr: addr, NumEventLoop: o.numEventLoop, underlying: srv}

	srv.SetConnectionCallback(func(c *tcpconn.Conn) {
		if c.Connected() {
			handler.OnOpened(c)
		} else {
			handler.OnClosed(c)
		}
	})
	srv.SetMessageCallback(func(c *tcpconn.Conn, in *buffer.Buffer, receiveTime time.Time) {
		handler.OnTraffic(c, in, receiveTime)
	})

	srv.BaseLoop().RunInLoop(func() {
		handler.OnInitComplete(view)
	})

	srv.Start()
	srv.BaseLoop().Loop()
	_ = srv.BaseLoop().Close()

	handler.OnShutdown(view)
	return nil
}

// Stop tears srv down: every live connection is closed, every worker loop
// is joined, and the base loop's Loop() call returns, unblocking Serve.
func Stop(srv Server) {
	srv.underlying.Stop()
}
