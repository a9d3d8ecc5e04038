package eventloop

import (
	"runtime"
	"sync"

	"github.com/loopwire/reactor/rlog"
)

// ThreadInitCallback runs on a worker loop's goroutine before that loop
// begins dispatching, letting callers do per-loop setup.
type ThreadInitCallback func(*EventLoop)

// Thread starts a goroutine running exactly one EventLoop for its entire
// lifetime, optionally pinned to an OS thread via runtime.LockOSThread.
// This is the Go transplant of original_source/muduo/net/EventLoopThread:
// Start blocks the caller on a condition variable until the child goroutine
// has published its *EventLoop, exactly mirroring EventLoopThread::
// startLoop's wait-for-child-init barrier.
type Thread struct {
	log          rlog.Logger
	lockOSThread bool
	initCB       ThreadInitCallback

	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop

	done chan struct{}
}

// NewThread constructs a Thread. lockOSThread requests that the worker
// goroutine call runtime.LockOSThread() for the duration of its loop, for
// callers relying on real OS-thread affinity (e.g. thread-local C
// libraries) rather than just goroutine affinity.
func NewThread(log rlog.Logger, lockOSThread bool, initCB ThreadInitCallback) *Thread {
	if log == nil {
		log = rlog.Nop()
	}
	t := &Thread{log: log, lockOSThread: lockOSThread, initCB: initCB, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the worker goroutine and blocks until its EventLoop is
// constructed and about to begin dispatching, then returns it.
func (t *Thread) Start() *EventLoop {
	go t.threadFunc()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *Thread) threadFunc() {
	if t.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	loop, err := New(t.log)
	if err != nil {
		t.log.Sysfatal(err, "eventloop.Thread: failed to construct loop")
		return
	}

	if t.initCB != nil {
		t.initCB(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()

	_ = loop.Close()
	close(t.done)
}

// Stop asks the loop to quit and waits for its goroutine to exit. Unlike
// the original muduo EventLoopThread destructor — which notes "a tiny
// chance to call a destructed object if threadFunc exits just now" — Stop
// here always joins unconditionally via a channel close, closing that race
// rather than accepting it.
func (t *Thread) Stop() {
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop == nil {
		return
	}
	loop.Quit()
	<-t.done
}
