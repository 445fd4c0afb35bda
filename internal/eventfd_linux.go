// Package internal hosts the fd-level primitives (eventfd, timerfd)
// that the reactor core is built on. None of this is part of the public API.
package internal

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// eventFd wraps a Linux eventfd(2) counter used as a loop's wakeup mechanism.
type eventFd struct {
	fd int
}

func newEventFd() (*eventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &eventFd{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (e *eventFd) Fd() int { return e.fd }

// WriteEvent adds val to the kernel counter, waking up a blocked reader.
func (e *eventFd) WriteEvent(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("write", err)
		}
		return nil
	}
}

// ReadEvent drains the kernel counter, returning its value and resetting it
// to zero. This must be called to disarm a level-triggered readable event.
func (e *eventFd) ReadEvent() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("read", err)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
}

// Close releases the eventfd.
func (e *eventFd) Close() error {
	return os.NewSyscallError("close", unix.Close(e.fd))
}

// NewEventFd exposes the eventfd constructor to the reactor package.
func NewEventFd() (EventFd, error) { return newEventFd() }

// EventFd is the public-to-the-module surface of an eventfd wakeup counter.
type EventFd interface {
	Fd() int
	WriteEvent(val uint64) error
	ReadEvent() (uint64, error)
	Close() error
}
