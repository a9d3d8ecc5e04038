// Package eventloop implements the reactor core: EventLoop, the
// goroutine-as-thread wrapper Thread, and the round-robin Pool. One
// EventLoop multiplexes I/O readiness via netpoll, dispatches ready
// handler.Handlers, runs an ordered timer.Queue, and accepts
// cross-goroutine task submissions through a pending-functor queue — the
// Go transplant of original_source/muduo/net/EventLoop's design
// (EventLoop.{h,cc} were not among the kept muduo files, so this module is
// cross-checked against EventLoopThread.cc for the startup-barrier shape).
package eventloop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/loopwire/reactor/handler"
	"github.com/loopwire/reactor/netpoll"
	"github.com/loopwire/reactor/rlog"
	"github.com/loopwire/reactor/timer"
)

// defaultPollTimeout is the poll timeout used on every cycle; pending
// timers do not shorten it, since the timerfd itself wakes up the poll when
// a timer is due.
const defaultPollTimeout = 10 * time.Second

// EventLoop owns one Multiplexer, one TimerQueue, one wakeup descriptor,
// and a pending-functor queue, and runs the dispatch cycle: poll, dispatch
// ready handlers, then drain pending functors.
type EventLoop struct {
	log rlog.Logger

	poller *netpoll.Poller

	wakeup        *wakeupFD
	wakeupHandler *handler.Handler

	timerArmer *timerfdArmer
	timerfdH   *handler.Handler
	timers     *timer.Queue

	ownerGoroutine int64 // 0 until Loop() claims it

	looping                int32
	quit                   int32
	eventHandling          int32
	callingPendingFunctors int32

	pendingMu       sync.Mutex
	pendingFunctors []func()

	activeHandlers []netpoll.Entry
	currentHandler *handler.Handler
}

// New constructs an EventLoop. It is not yet bound to any goroutine; that
// happens on the first call to Loop().
func New(log rlog.Logger) (*EventLoop, error) {
	if log == nil {
		log = rlog.Nop()
	}
	p, err := netpoll.New()
	if err != nil {
		return nil, err
	}
	wk, err := newWakeupFD()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	tf, err := newTimerfdArmer()
	if err != nil {
		_ = p.Close()
		_ = wk.Close()
		return nil, err
	}

	el := &EventLoop{
		log:        log,
		poller:     p,
		wakeup:     wk,
		timerArmer: tf,
	}
	el.timers = timer.NewQueue(el, tf)

	el.wakeupHandler = handler.New(el, wk.fd)
	el.wakeupHandler.SetLogger(log)
	el.wakeupHandler.SetReadCallback(func(time.Time) {
		el.wakeup.Drain()
	})
	el.wakeupHandler.EnableReading()

	el.timerfdH = handler.New(el, tf.fd)
	el.timerfdH.SetLogger(log)
	el.timerfdH.SetReadCallback(func(time.Time) {
		el.timers.HandleRead()
	})
	el.timerfdH.EnableReading()

	return el, nil
}

// IsInLoopThread reports whether the caller is running on the goroutine
// that owns this loop. Before Loop() has been called, nothing owns the
// loop yet and this always returns false.
func (el *EventLoop) IsInLoopThread() bool {
	owner := atomic.LoadInt64(&el.ownerGoroutine)
	return owner != 0 && owner == goroutineID()
}

// AssertInLoopThread panics if called off the owning goroutine. Crossing
// this boundary is always a logic error in the caller, never a condition
// to recover from.
func (el *EventLoop) AssertInLoopThread() {
	if !el.IsInLoopThread() {
		panic(fmt.Sprintf("eventloop: called from non-owning goroutine %d, owner is %d",
			goroutineID(), atomic.LoadInt64(&el.ownerGoroutine)))
	}
}

// Loop binds the EventLoop to the calling goroutine permanently and runs
// the dispatch cycle until Quit is observed. Exactly one goroutine may ever
// call Loop on a given EventLoop.
func (el *EventLoop) Loop() {
	if !atomic.CompareAndSwapInt32(&el.looping, 0, 1) {
		el.log.Sysfatal(errors.New("eventloop: Loop called twice"), "")
	}
	if !atomic.CompareAndSwapInt64(&el.ownerGoroutine, 0, goroutineID()) {
		el.log.Sysfatal(errors.New("eventloop: already bound to another goroutine"), "")
	}
	el.log.Debugf("EventLoop %p starting", el)

	for atomic.LoadInt32(&el.quit) == 0 {
		el.activeHandlers = el.activeHandlers[:0]
		_, active, err := el.poller.Poll(defaultPollTimeout)
		if err != nil {
			el.log.Sysfatal(err, "eventloop: fatal poll error")
		}
		now := time.Now()

		atomic.StoreInt32(&el.eventHandling, 1)
		for _, e := range active {
			h, ok := e.(*handler.Handler)
			if !ok {
				continue
			}
			el.currentHandler = h
			h.HandleEvent(now)
		}
		el.currentHandler = nil
		atomic.StoreInt32(&el.eventHandling, 0)

		el.runPendingFunctors()
	}

	el.log.Debugf("EventLoop %p stopping", el)
	atomic.StoreInt32(&el.looping, 0)
}

// runPendingFunctors swaps the pending queue out under lock, then runs each
// functor without holding it — so functors appended mid-run (including by
// a functor itself) don't block I/O dispatch and are deferred to the next
// cycle, guaranteed a wakeup per queueInLoop's rule.
func (el *EventLoop) runPendingFunctors() {
	el.pendingMu.Lock()
	functors := el.pendingFunctors
	el.pendingFunctors = nil
	el.pendingMu.Unlock()

	atomic.StoreInt32(&el.callingPendingFunctors, 1)
	for _, fn := range functors {
		fn()
	}
	atomic.StoreInt32(&el.callingPendingFunctors, 0)
}

// Quit requests the loop to stop. Observed between poll cycles, never
// mid-dispatch. Safe from any goroutine.
func (el *EventLoop) Quit() {
	atomic.StoreInt32(&el.quit, 1)
	if !el.IsInLoopThread() {
		el.wakeup.Wake()
	}
}

// RunInLoop runs fn immediately if called on the owning goroutine,
// otherwise hands it to QueueInLoop.
func (el *EventLoop) RunInLoop(fn func()) {
	if el.IsInLoopThread() {
		fn()
		return
	}
	el.QueueInLoop(fn)
}

// QueueInLoop appends fn to the pending-functor queue, to be run after the
// current (or next) poll cycle. It wakes the loop iff the caller isn't on
// the owning goroutine, or the loop is currently draining pending functors
// — in the latter case a wakeup guarantees fn still gets a cycle even
// though it missed the swap that just happened.
func (el *EventLoop) QueueInLoop(fn func()) {
	el.pendingMu.Lock()
	el.pendingFunctors = append(el.pendingFunctors, fn)
	el.pendingMu.Unlock()

	if !el.IsInLoopThread() || atomic.LoadInt32(&el.callingPendingFunctors) != 0 {
		el.wakeup.Wake()
	}
}

// RunAt schedules cb to run once at `when`.
func (el *EventLoop) RunAt(when time.Time, cb timer.Callback) timer.ID {
	return el.timers.Add(cb, when, 0)
}

// RunAfter schedules cb to run once after delay.
func (el *EventLoop) RunAfter(delay time.Duration, cb timer.Callback) timer.ID {
	return el.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb to run every interval, starting one interval from
// now.
func (el *EventLoop) RunEvery(interval time.Duration, cb timer.Callback) timer.ID {
	return el.timers.Add(cb, time.Now().Add(interval), interval)
}

// Cancel cancels a previously-scheduled timer.
func (el *EventLoop) Cancel(id timer.ID) {
	el.timers.Cancel(id)
}

// UpdateHandler and RemoveHandler satisfy handler.LoopUpdater, routing
// interest-mask changes to the owning Multiplexer. Both must only ever run
// on the owning goroutine.
func (el *EventLoop) UpdateHandler(h *handler.Handler) error {
	el.AssertInLoopThread()
	return el.poller.Update(h)
}

func (el *EventLoop) RemoveHandler(h *handler.Handler) error {
	el.AssertInLoopThread()
	if h == el.currentHandler {
		el.log.Sysfatal(errors.New("eventloop: handler removed from within its own dispatch"), "")
	}
	return el.poller.Remove(h)
}

// NewHandler builds a handler.Handler bound to this loop for fd.
func (el *EventLoop) NewHandler(fd int) *handler.Handler {
	h := handler.New(el, fd)
	h.SetLogger(el.log)
	return h
}

// Close tears down the loop's kernel resources. Callers must have already
// stopped Loop() (Quit + join).
func (el *EventLoop) Close() error {
	el.timerfdH.DisableAll()
	el.timerfdH.Remove()
	el.wakeupHandler.DisableAll()
	el.wakeupHandler.Remove()
	_ = el.timerArmer.Close()
	_ = el.wakeup.Close()
	return el.poller.Close()
}
