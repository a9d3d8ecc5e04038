package eventloop

import (
	"sync/atomic"

	"github.com/loopwire/reactor/rlog"
)

// Pool manages N worker loops and assigns new connections to them in
// round-robin order. N==0 means the caller's own loop (typically the
// acceptor's main loop) serves connections directly.
type Pool struct {
	log     rlog.Logger
	baseLoop *EventLoop

	threads []*Thread
	loops   []*EventLoop
	next    uint64
}

// NewPool constructs a Pool bound to baseLoop (the main/acceptor loop).
// baseLoop is what GetNextLoop returns when numLoops is 0.
func NewPool(log rlog.Logger, baseLoop *EventLoop) *Pool {
	if log == nil {
		log = rlog.Nop()
	}
	return &Pool{log: log, baseLoop: baseLoop}
}

// Start spins up numLoops worker threads, running initCB on each loop
// before it begins dispatching.
func (p *Pool) Start(numLoops int, lockOSThread bool, initCB ThreadInitCallback) {
	for i := 0; i < numLoops; i++ {
		th := NewThread(p.log, lockOSThread, initCB)
		loop := th.Start()
		p.threads = append(p.threads, th)
		p.loops = append(p.loops, loop)
	}
}

// GetNextLoop returns the next loop in round-robin order, or the base loop
// if the pool has no worker threads.
func (p *Pool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	idx := atomic.AddUint64(&p.next, 1) - 1
	return p.loops[idx%uint64(len(p.loops))]
}

// Loops returns every worker loop the pool manages (empty if N==0).
func (p *Pool) Loops() []*EventLoop {
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}

// Stop quits and joins every worker thread.
func (p *Pool) Stop() {
	for _, th := range p.threads {
		th.Stop()
	}
}
