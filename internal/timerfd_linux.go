package internal

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// minTimerDelay is the floor applied when arming the timer fd, so that a
// timer expiring "now" is never mistaken by the kernel for "disarm".
const minTimerDelay = 100 * time.Microsecond

// TimerFd wraps a CLOCK_MONOTONIC timerfd used to drive the timer queue.
type TimerFd struct {
	fd int
}

// NewTimerFd creates a non-blocking, close-on-exec monotonic timer fd.
func NewTimerFd() (*TimerFd, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("timerfd_create", err)
	}
	return &TimerFd{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (t *TimerFd) Fd() int { return t.fd }

// Reset arms the timer fd to fire once at expiration (monotonic deadline).
// A zero or past expiration is floored to minTimerDelay from now, since
// arming with a zero duration would disarm the timer instead.
func (t *TimerFd) Reset(expiration time.Time) error {
	d := time.Until(expiration)
	if d < minTimerDelay {
		d = minTimerDelay
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	return os.NewSyscallError("timerfd_settime", unix.TimerfdSettime(t.fd, 0, &spec, nil))
}

// ReadExpirations drains the expiration counter, disarming the
// level-triggered readable event. Returns the number of expirations since
// the last read, which is always >= 1 when called after a readable event.
func (t *TimerFd) ReadExpirations() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(t.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, os.NewSyscallError("read", err)
		}
		return hostEndianUint64(buf[:]), nil
	}
}

// Close releases the timer fd.
func (t *TimerFd) Close() error {
	return os.NewSyscallError("close", unix.Close(t.fd))
}

func hostEndianUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
