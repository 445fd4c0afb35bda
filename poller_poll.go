//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package ioreactor

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// arrayPoller is the level-triggered array-poll demultiplexer variant,
// built directly on poll(2) via unix.Poll. A channel with empty interest
// stays in the descriptor array with its fd sign-flipped (ones-complement
// minus one) so the kernel ignores it while Remove stays O(1).
type arrayPoller struct {
	pollfds  []unix.PollFd
	channels []*Channel // parallel to pollfds; channels[i].Index() == i
	byFd     map[int]*Channel
}

func newArrayPoller() (*arrayPoller, error) {
	return &arrayPoller{
		byFd: make(map[int]*Channel),
	}, nil
}

func (p *arrayPoller) Poll(timeoutMs int, active *[]*Channel) (time.Time, error) {
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, os.NewSyscallError("poll", err)
	}
	if n <= 0 {
		return now, nil
	}
	for i := range p.pollfds {
		if n == 0 {
			break
		}
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		n--
		ch := p.channels[i]
		ch.SetRevents(translatePollEvents(pfd.Revents))
		pfd.Revents = 0
		*active = append(*active, ch)
	}
	return now, nil
}

func translatePollEvents(revents int16) EventMask {
	var m EventMask
	if revents&(unix.POLLHUP) != 0 && revents&unix.POLLIN == 0 {
		m |= EventClose
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		m |= EventError
	}
	if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		m |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		m |= EventWrite
	}
	return m
}

func pollEventsFor(ch *Channel) int16 {
	var e int16
	if ch.events&EventRead != 0 {
		e |= unix.POLLIN | unix.POLLPRI
	}
	if ch.events&EventWrite != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func (p *arrayPoller) UpdateChannel(ch *Channel) error {
	if ch.Index() < 0 {
		idx := len(p.pollfds)
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(ch.Fd()), Events: pollEventsFor(ch)})
		p.channels = append(p.channels, ch)
		p.byFd[ch.Fd()] = ch
		ch.SetIndex(idx)
		return nil
	}
	idx := ch.Index()
	if ch.IsNoneEvent() {
		// Sign-flip so the kernel ignores this slot without us losing O(1)
		// removal later.
		p.pollfds[idx].Fd = -ch.fdOrOne()
	} else {
		p.pollfds[idx].Fd = int32(ch.Fd())
	}
	p.pollfds[idx].Events = pollEventsFor(ch)
	return nil
}

// fdOrOne returns fd+1 so the sign-flip (ones-complement minus one) always
// produces a negative number even when fd is 0.
func (c *Channel) fdOrOne() int32 { return int32(c.fd) + 1 }

func (p *arrayPoller) RemoveChannel(ch *Channel) error {
	idx := ch.Index()
	if idx < 0 || idx >= len(p.channels) || p.channels[idx] != ch {
		return nil
	}
	delete(p.byFd, ch.Fd())
	last := len(p.channels) - 1
	if idx != last {
		p.pollfds[idx] = p.pollfds[last]
		p.channels[idx] = p.channels[last]
		p.channels[idx].SetIndex(idx)
	}
	p.pollfds = p.pollfds[:last]
	p.channels = p.channels[:last]
	ch.SetIndex(pollerIndexNew)
	return nil
}

func (p *arrayPoller) Close() error { return nil }
