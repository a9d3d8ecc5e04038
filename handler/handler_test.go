package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeLoopUpdater struct {
	updated []*Handler
	removed []*Handler
}

func (f *fakeLoopUpdater) UpdateHandler(h *Handler) error { f.updated = append(f.updated, h); return nil }
func (f *fakeLoopUpdater) RemoveHandler(h *Handler) error { f.removed = append(f.removed, h); return nil }
func (f *fakeLoopUpdater) AssertInLoopThread()            {}

func TestHandlerInterestToggles(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	assert.True(t, h.IsNoneEvent())

	h.EnableReading()
	assert.True(t, h.IsReading())
	assert.False(t, h.IsWriting())

	h.EnableWriting()
	assert.True(t, h.IsWriting())

	h.DisableReading()
	assert.False(t, h.IsReading())
	assert.True(t, h.IsWriting())

	h.DisableAll()
	assert.True(t, h.IsNoneEvent())

	assert.Len(t, loop.updated, 4, "every interest mutation routes through update()")
}

func TestHandlerRemoveCallsLoop(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)
	h.Remove()
	assert.Len(t, loop.removed, 1)
	assert.Same(t, h, loop.removed[0])
}

func TestHandleEventDispatchesReadOnIn(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	var gotRead bool
	h.SetReadCallback(func(time.Time) { gotRead = true })

	h.SetRevents(REventIn)
	h.HandleEvent(time.Now())

	assert.True(t, gotRead)
}

func TestHandleEventDispatchesCloseOnHupWithoutIn(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)
	h.DoNotLogHup()

	var gotClose, gotRead bool
	h.SetCloseCallback(func() { gotClose = true })
	h.SetReadCallback(func(time.Time) { gotRead = true })

	h.SetRevents(REventHup)
	h.HandleEvent(time.Now())

	assert.True(t, gotClose)
	assert.False(t, gotRead)
}

func TestHandleEventSkipsCloseOnHupWithIn(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	var gotClose, gotRead bool
	h.SetCloseCallback(func() { gotClose = true })
	h.SetReadCallback(func(time.Time) { gotRead = true })

	h.SetRevents(REventHup | REventIn)
	h.HandleEvent(time.Now())

	assert.False(t, gotClose, "a HUP that arrives alongside readable data is not yet a close")
	assert.True(t, gotRead)
}

func TestHandleEventNvalShortCircuits(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	var gotError, gotRead bool
	h.SetErrorCallback(func() { gotError = true })
	h.SetReadCallback(func(time.Time) { gotRead = true })

	h.SetRevents(REventNval | REventIn)
	h.HandleEvent(time.Now())

	assert.False(t, gotError, "NVAL returns before the error/read/write checks")
	assert.False(t, gotRead)
}

func TestHandleEventErrDispatchesErrorCallback(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	var gotError bool
	h.SetErrorCallback(func() { gotError = true })

	h.SetRevents(REventErr)
	h.HandleEvent(time.Now())

	assert.True(t, gotError)
}

func TestHandleEventDispatchesWriteOnOut(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	var gotWrite bool
	h.SetWriteCallback(func() { gotWrite = true })

	h.SetRevents(REventOut)
	h.HandleEvent(time.Now())

	assert.True(t, gotWrite)
}

func TestHandleEventSkipsDispatchWhenTiedOwnerIsDead(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	var gotRead bool
	h.SetReadCallback(func(time.Time) { gotRead = true })
	h.Tie(func() (interface{}, bool) { return nil, false })

	h.SetRevents(REventIn)
	h.HandleEvent(time.Now())

	assert.False(t, gotRead, "a tied Handler whose owner reports dead must not dispatch")
}

func TestHandleEventDispatchesWhenTiedOwnerIsAlive(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	var gotRead bool
	owner := &struct{}{}
	h.SetReadCallback(func(time.Time) { gotRead = true })
	h.Tie(func() (interface{}, bool) { return owner, true })

	h.SetRevents(REventIn)
	h.HandleEvent(time.Now())

	assert.True(t, gotRead)
}

func TestEventHandlingFlagClearsAfterDispatch(t *testing.T) {
	loop := &fakeLoopUpdater{}
	h := New(loop, 3)

	h.SetReadCallback(func(time.Time) {
		assert.True(t, h.EventHandling())
	})
	h.SetRevents(REventIn)
	h.HandleEvent(time.Now())

	assert.False(t, h.EventHandling())
}
