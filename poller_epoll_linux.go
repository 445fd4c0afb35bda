//go:build linux

package ioreactor

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const initEventListSize = 16

// epollFlags mirrors the read/write/close bits muduo's EPollPoller asserts
// line up with poll(2)'s constants.
const (
	epollReadFlags  = unix.EPOLLIN | unix.EPOLLPRI
	epollWriteFlags = unix.EPOLLOUT
	epollCloseFlags = unix.EPOLLHUP
	epollErrFlags   = unix.EPOLLERR
)

// epollPoller is the edge/level-capable epoll demultiplexer variant.
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newEpollPoller() (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{
		epfd:     fd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

func (p *epollPoller) Poll(timeoutMs int, active *[]*Channel) (time.Time, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		ch := p.channels[int(ev.Fd)]
		if ch == nil {
			continue
		}
		ch.SetRevents(translateEpollEvents(ev.Events))
		*active = append(*active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func translateEpollEvents(events uint32) EventMask {
	var m EventMask
	if events&epollCloseFlags != 0 {
		m |= EventClose
	}
	if events&epollErrFlags != 0 {
		m |= EventError
	}
	if events&uint32(epollReadFlags|unix.EPOLLRDHUP) != 0 {
		m |= EventRead
	}
	if events&epollWriteFlags != 0 {
		m |= EventWrite
	}
	return m
}

func channelEpollEvents(ch *Channel) uint32 {
	var e uint32
	if ch.events&EventRead != 0 {
		e |= epollReadFlags | unix.EPOLLRDHUP
	}
	if ch.events&EventWrite != 0 {
		e |= epollWriteFlags
	}
	return e
}

// UpdateChannel implements a {new, added, deleted} state machine: new
// channels are added on first update; an added channel whose interest
// becomes empty is deleted from the kernel (but kept in the fd map, marked
// deleted); a deleted channel is re-added on next update.
func (p *epollPoller) UpdateChannel(ch *Channel) error {
	switch ch.Index() {
	case pollerIndexNew:
		p.channels[ch.Fd()] = ch
		ch.SetIndex(pollerIndexAdded)
		return p.ctl(unix.EPOLL_CTL_ADD, ch)
	case pollerIndexDeleted:
		ch.SetIndex(pollerIndexAdded)
		return p.ctl(unix.EPOLL_CTL_ADD, ch)
	default: // pollerIndexAdded
		if ch.IsNoneEvent() {
			ch.SetIndex(pollerIndexDeleted)
			return p.ctl(unix.EPOLL_CTL_DEL, ch)
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	}
}

// RemoveChannel detaches ch. ch must have no declared interest.
func (p *epollPoller) RemoveChannel(ch *Channel) error {
	idx := ch.Index()
	delete(p.channels, ch.Fd())
	ch.SetIndex(pollerIndexNew)
	if idx == pollerIndexAdded {
		return p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	return nil
}

func (p *epollPoller) ctl(op int, ch *Channel) error {
	var ev unix.EpollEvent
	ev.Events = channelEpollEvents(ch)
	ev.Fd = int32(ch.Fd())
	err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev)
	if err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *epollPoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.epfd))
}
