// Package tcpserver implements Server: the listening-socket owner that
// accepts connections on one loop and hands each off to a worker loop
// drawn from an eventloop.Pool, translated from
// original_source/muduo/net/TcpServer.cc.
package tcpserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/loopwire/reactor/eventloop"
	"github.com/loopwire/reactor/rlog"
	"github.com/loopwire/reactor/sockopt"
	"github.com/loopwire/reactor/tcpconn"
)

// Server owns the listening socket, the worker-loop pool, and the
// registry of live connections. One Server instance serves exactly one
// listen address.
type Server struct {
	baseLoop *eventloop.EventLoop
	acceptor *Acceptor
	pool     *eventloop.Pool
	log      rlog.Logger

	name   string
	ipPort string

	started int32

	mu          sync.Mutex
	connections map[string]*tcpconn.Conn
	nextConnID  uint64

	connectionCB tcpconn.ConnectionCallback
	messageCB    tcpconn.MessageCallback
	writeCompleteCB tcpconn.WriteCompleteCallback

	tcpKeepAlive  bool
	highWaterMark int

	// closePool runs fd closes for connections that are being discarded
	// before ever reaching a worker loop (e.g. rejected at capacity),
	// off the accepting loop so a slow close(2) never stalls accept.
	closePool *ants.Pool
}

// Options configures a new Server.
type Options struct {
	Name          string
	Addr          string
	NumEventLoop  int
	ReusePort     bool
	LockOSThread  bool
	TCPKeepAlive  bool
	HighWaterMark int
	IdleFDReserve int
	Logger        rlog.Logger
	ThreadInitCB  eventloop.ThreadInitCallback
}

// New constructs a Server bound to a fresh base EventLoop and listening
// socket and starts the pool's worker loops, but does not yet listen; call
// Start.
func New(opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = rlog.Nop()
	}
	baseLoop, err := eventloop.New(log)
	if err != nil {
		return nil, err
	}
	acceptor, err := NewAcceptor(baseLoop, opts.Addr, opts.ReusePort, opts.IdleFDReserve, log)
	if err != nil {
		_ = baseLoop.Close()
		return nil, err
	}
	closePool, err := ants.NewPool(256, ants.WithNonblocking(false))
	if err != nil {
		_ = acceptor.Close()
		_ = baseLoop.Close()
		return nil, err
	}

	hwm := opts.HighWaterMark
	if hwm <= 0 {
		hwm = tcpconn.DefaultHighWaterMark
	}

	name := opts.Name
	if name == "" {
		name = "reactor"
	}

	s := &Server{
		baseLoop:      baseLoop,
		acceptor:      acceptor,
		log:           log,
		name:          name,
		ipPort:        opts.Addr,
		connections:   make(map[string]*tcpconn.Conn),
		tcpKeepAlive:  opts.TCPKeepAlive,
		highWaterMark: hwm,
		closePool:     closePool,
	}
	s.pool = eventloop.NewPool(log, baseLoop)
	s.pool.Start(opts.NumEventLoop, opts.LockOSThread, opts.ThreadInitCB)
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *Server) SetConnectionCallback(cb tcpconn.ConnectionCallback)         { s.connectionCB = cb }
func (s *Server) SetMessageCallback(cb tcpconn.MessageCallback)               { s.messageCB = cb }
func (s *Server) SetWriteCompleteCallback(cb tcpconn.WriteCompleteCallback)   { s.writeCompleteCB = cb }

// BaseLoop exposes the acceptor's loop, e.g. for scheduling server-wide
// timers.
func (s *Server) BaseLoop() *eventloop.EventLoop { return s.baseLoop }

// Addr returns the listening socket's bound local address, resolving any
// ephemeral (":0") port requested at construction time to the one actually
// assigned by the kernel.
func (s *Server) Addr() (net.Addr, error) { return s.acceptor.Addr() }

// Listening reports whether the listening socket is currently accepting.
func (s *Server) Listening() bool { return s.acceptor.Listening() }

// Start is idempotent: only the first call begins listening. The worker
// loops are already running from New; Start does not start them.
func (s *Server) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}
	s.baseLoop.RunInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			s.log.Sysfatal(err, "tcpserver %s: listen", s.name)
		}
	})
}

// newConnection runs on the acceptor's loop after a fd is accepted. It
// assigns the connection to the next worker loop and schedules
// ConnectEstablished there.
func (s *Server) newConnection(fd int, peerAddr net.Addr) {
	s.baseLoop.AssertInLoopThread()
	ioLoop := s.pool.GetNextLoop()

	id := atomic.AddUint64(&s.nextConnID, 1)
	connName := fmt.Sprintf("%s-%s#%s", s.name, s.ipPort, strconv.FormatUint(id, 10))

	localAddr, err := sockopt.LocalAddr(fd)
	if err != nil {
		s.log.Syserr(err, "tcpserver %s: getsockname for %s", s.name, connName)
	}

	s.log.Infof("tcpserver %s: new connection %s from %s", s.name, connName, peerAddr)

	conn := tcpconn.New(ioLoop, connName, fd, localAddr, peerAddr, s.tcpKeepAlive, s.log)
	conn.SetConnectionCallback(s.connectionCB)
	conn.SetMessageCallback(s.messageCB)
	conn.SetWriteCompleteCallback(s.writeCompleteCB)
	conn.SetHighWaterMarkCallback(nil, s.highWaterMark)
	conn.SetCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is installed as every Conn's close callback; it always
// runs on that connection's owning worker loop, so it hops to the
// accepting loop before touching the shared registry.
func (s *Server) removeConnection(conn *tcpconn.Conn) {
	s.baseLoop.RunInLoop(func() {
		s.removeConnectionInLoop(conn)
	})
}

func (s *Server) removeConnectionInLoop(conn *tcpconn.Conn) {
	s.baseLoop.AssertInLoopThread()
	s.log.Infof("tcpserver %s: removing connection %s", s.name, conn.Name())

	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	ioLoop := conn.Loop()
	ioLoop.QueueInLoop(conn.ConnectDestroyed)
}

// Connections returns a snapshot of the currently registered connections.
func (s *Server) Connections() []*tcpconn.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*tcpconn.Conn, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

// Stop tears every live connection down (mirroring muduo's TcpServer
// destructor, which must run on the accepting loop), stops the acceptor,
// joins every worker thread, and releases kernel resources.
func (s *Server) Stop() {
	done := make(chan struct{})
	s.baseLoop.RunInLoop(func() {
		defer close(done)

		s.mu.Lock()
		conns := make([]*tcpconn.Conn, 0, len(s.connections))
		for _, c := range s.connections {
			conns = append(conns, c)
		}
		s.connections = make(map[string]*tcpconn.Conn)
		s.mu.Unlock()

		for _, c := range conns {
			c.Loop().RunInLoop(c.ConnectDestroyed)
		}
	})
	<-done

	s.pool.Stop()
	_ = s.acceptor.Close()
	s.closePool.Release()
	s.baseLoop.Quit()
}

// AsyncCloseFd closes fd off the caller's goroutine via the server's
// bounded worker pool, for callers discarding a connection before it
// ever became a tcpconn.Conn (e.g. rejected at a connection cap).
func (s *Server) AsyncCloseFd(fd int) {
	err := s.closePool.Submit(func() {
		_ = sockopt.Close(fd)
	})
	if err != nil {
		_ = sockopt.Close(fd)
	}
}
