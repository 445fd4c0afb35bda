package ioreactor

import (
	"time"

	"go.uber.org/atomic"
)

// EventMask is a bitset of poller readiness/interest events.
type EventMask uint32

const (
	EventNone  EventMask = 0
	EventRead  EventMask = 1 << iota // readable, priority, or peer-closed
	EventWrite                       // writable
	EventError                       // error condition
	EventClose                       // peer hangup with no pending data
)

// ReadCallback is invoked with the data-ready timestamp.
type ReadCallback func(receiveTime time.Time)

// Channel binds one file descriptor to its interest mask and per-event
// callbacks. It mediates between an EventLoop and its Demultiplexer.
//
// A Channel must only be mutated, and handleEvent must only be invoked, on
// its owning loop's thread; see EventLoop.assertInLoopThread.
type Channel struct {
	loop *EventLoop
	fd   int

	events  EventMask // declared interest
	revents EventMask // events reported by the last poll

	index int // demultiplexer-private slot/state

	readCallback  ReadCallback
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// tie extends the lifetime of an owner across handleEvent so a callback
	// that triggers its own teardown cannot free the channel underfoot. Go
	// has no weak pointer, so "upgrade, or drop the event" is modeled with
	// an explicit liveness probe instead of a weak reference.
	tieLiveness func() bool

	eventHandling atomic.Bool
	addedToLoop   bool
}

// NewChannel creates a Channel for fd, owned by loop. The channel is not
// registered with the demultiplexer until one of the enable/disable helpers
// sets its interest bits and updates it.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: pollerIndexNew}
}

func (c *Channel) Fd() int             { return c.fd }
func (c *Channel) Events() EventMask   { return c.events }
func (c *Channel) SetRevents(r EventMask) { c.revents = r }
func (c *Channel) IsNoneEvent() bool   { return c.events == EventNone }

// Index is demultiplexer-private bookkeeping (epoll membership state, or the
// channel's slot in the array-poll descriptor array).
func (c *Channel) Index() int     { return c.index }
func (c *Channel) SetIndex(i int) { c.index = i }

func (c *Channel) SetReadCallback(cb ReadCallback)  { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb func())        { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb func())         { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb func())         { c.errorCallback = cb }

// Tie installs a liveness probe used to extend the owner's lifetime across
// handleEvent. probe should report whether the owner is still alive; if it
// returns false during handling, the event is dropped.
func (c *Channel) Tie(probe func() bool) { c.tieLiveness = probe }

func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }
func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// Remove detaches the channel from its loop's demultiplexer. The channel
// must have no declared interest, matching the muduo contract that a
// channel being removed is not currently armed.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// HandleEvent dispatches the reported-events mask to the installed
// callbacks in the fixed order: close, error, read, write. It must run on
// the owning loop.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tieLiveness != nil {
		if !c.tieLiveness() {
			return
		}
		c.handleEventGuarded(receiveTime)
		return
	}
	c.handleEventGuarded(receiveTime)
}

func (c *Channel) handleEventGuarded(receiveTime time.Time) {
	c.eventHandling.Store(true)
	defer c.eventHandling.Store(false)

	if c.revents&EventClose != 0 && c.revents&EventRead == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&EventError != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&EventRead != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&EventWrite != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

// IsHandlingEvent reports whether the channel is currently inside
// HandleEvent; destruction while true is a caller bug.
func (c *Channel) IsHandlingEvent() bool { return c.eventHandling.Load() }
