// Package handler implements the per-descriptor dispatch abstraction that
// mediates between the netpoll multiplexer and higher-level objects
// (tcpconn.Conn, the TimerQueue's timerfd, an EventLoop's wakeup eventfd).
// It is the Go analogue of muduo's Channel (original_source/muduo/net/
// Channel.h): a Handler wraps exactly one fd it does not own, tracks an
// interest mask, and on dispatch resolves a weak owner reference before
// running any callback so the owner can't be freed out from under an
// in-flight event.
package handler

import (
	"sync/atomic"
	"time"

	"github.com/loopwire/reactor/rlog"
)

const (
	// EventRead mirrors EPOLLIN | EPOLLPRI.
	EventRead uint32 = 0x1 | 0x2
	// EventWrite mirrors EPOLLOUT.
	EventWrite uint32 = 0x4
	eventNone  uint32 = 0
)

// revents bits, matching the EPOLL* constants so callers can pass epoll
// event masks straight through without translation.
const (
	REventHup uint32 = 0x10
	REventErr uint32 = 0x8
	REventNval uint32 = 0x20
	REventIn   uint32 = 0x1
	REventPri  uint32 = 0x2
	REventOut  uint32 = 0x4
)

// LoopUpdater is the subset of EventLoop a Handler needs: routing interest
// changes through the owning loop's Multiplexer, and asserting that we're
// running on the loop's thread. Kept as an interface (rather than importing
// package eventloop) to avoid a handler<->eventloop import cycle, since
// EventLoop itself holds Handlers.
type LoopUpdater interface {
	UpdateHandler(h *Handler) error
	RemoveHandler(h *Handler) error
	AssertInLoopThread()
}

// WeakOwner resolves a Handler's tied owner for the duration of one
// dispatch. Go has no language-level weak pointer, and nothing in the
// retrieved corpus supplies one (see DESIGN.md); a resolver closure over an
// atomic liveness flag is the idiomatic stand-in and is what tcpconn.Conn
// supplies via Handler.Tie.
type WeakOwner func() (owner interface{}, alive bool)

// Handler wraps one fd and dispatches its readiness to callbacks.
type Handler struct {
	loop LoopUpdater
	fd   int

	interest uint32
	revents  uint32
	pollIdx  int32 // netpoll.pollState, exposed via PollIndex/SetPollIndex

	tie      WeakOwner
	tied     int32 // atomic bool
	eventHandling int32
	addedToLoop   bool
	logHup        bool
	log           rlog.Logger

	readCallback  func(receiveTime time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// New wraps fd for dispatch on loop. The Handler starts with no interest
// registered; callers must call EnableReading/EnableWriting to begin
// receiving events.
func New(loop LoopUpdater, fd int) *Handler {
	return &Handler{loop: loop, fd: fd, logHup: true, log: rlog.Nop()}
}

// SetLogger installs the logger used for the HUP/NVAL diagnostics in
// HandleEvent. Defaults to a no-op logger.
func (h *Handler) SetLogger(l rlog.Logger) { h.log = l }

func (h *Handler) Fd() int { return h.fd }

// Events returns the current interest mask, satisfying netpoll.Entry.
func (h *Handler) Events() uint32 { return h.interest }

// SetRevents records the kernel-observed readiness mask for the next
// dispatch. Called only by netpoll.Poller.Poll.
func (h *Handler) SetRevents(revents uint32) { h.revents = revents }

// PollIndex / SetPollIndex expose the Multiplexer's per-handler state slot.
func (h *Handler) PollIndex() int32     { return h.pollIdx }
func (h *Handler) SetPollIndex(i int32) { h.pollIdx = i }

func (h *Handler) IsReading() bool { return h.interest&EventRead != 0 }
func (h *Handler) IsWriting() bool { return h.interest&EventWrite != 0 }
func (h *Handler) IsNoneEvent() bool { return h.interest == eventNone }

func (h *Handler) SetReadCallback(cb func(time.Time)) { h.readCallback = cb }
func (h *Handler) SetWriteCallback(cb func())         { h.writeCallback = cb }
func (h *Handler) SetCloseCallback(cb func())         { h.closeCallback = cb }
func (h *Handler) SetErrorCallback(cb func())         { h.errorCallback = cb }
func (h *Handler) DoNotLogHup()                       { h.logHup = false }

// Tie records a weak reference to the Handler's logical owner. At dispatch
// entry the owner is resolved and held strong for the duration of the
// dispatch.
func (h *Handler) Tie(resolve WeakOwner) {
	h.tie = resolve
	atomic.StoreInt32(&h.tied, 1)
}

// EnableReading/EnableWriting/DisableReading/DisableWriting/DisableAll all
// route through update() so the Multiplexer sees every interest change
// before the next poll.
func (h *Handler) EnableReading()  { h.interest |= EventRead; h.update() }
func (h *Handler) DisableReading() { h.interest &^= EventRead; h.update() }
func (h *Handler) EnableWriting()  { h.interest |= EventWrite; h.update() }
func (h *Handler) DisableWriting() { h.interest &^= EventWrite; h.update() }
func (h *Handler) DisableAll()     { h.interest = eventNone; h.update() }

func (h *Handler) update() {
	h.addedToLoop = true
	_ = h.loop.UpdateHandler(h)
}

// Remove detaches the Handler from its loop. Interest must already be
// empty.
func (h *Handler) Remove() {
	h.addedToLoop = false
	_ = h.loop.RemoveHandler(h)
}

// EventHandling reports whether a dispatch is currently in progress on this
// Handler; netpoll.Poller.Remove refuses to run while this is true.
func (h *Handler) EventHandling() bool { return atomic.LoadInt32(&h.eventHandling) != 0 }

// HandleEvent runs the dispatch algorithm against the revents mask most
// recently observed by the Multiplexer.
func (h *Handler) HandleEvent(receiveTime time.Time) {
	if atomic.LoadInt32(&h.tied) != 0 {
		if _, alive := h.tie(); !alive {
			return
		}
	}
	atomic.StoreInt32(&h.eventHandling, 1)
	defer atomic.StoreInt32(&h.eventHandling, 0)
	h.handleEventWithGuard(receiveTime)
}

func (h *Handler) handleEventWithGuard(receiveTime time.Time) {
	if h.revents&REventHup != 0 && h.revents&REventIn == 0 {
		if h.logHup {
			h.log.Warnf("fd=%d Handler: received POLLHUP", h.fd)
		}
		if h.closeCallback != nil {
			h.closeCallback()
		}
	}
	if h.revents&REventNval != 0 {
		h.log.Warnf("fd=%d Handler: received POLLNVAL", h.fd)
		return
	}
	if h.revents&(REventErr|REventNval) != 0 {
		if h.errorCallback != nil {
			h.errorCallback()
		}
	}
	if h.revents&(REventIn|REventPri) != 0 {
		if h.readCallback != nil {
			h.readCallback(receiveTime)
		}
	}
	if h.revents&REventOut != 0 {
		if h.writeCallback != nil {
			h.writeCallback()
		}
	}
}
