package ioreactor

import (
	"sync/atomic"
	"time"
)

// TimerCallback is invoked when a timer fires.
type TimerCallback func()

// TimerID identifies a scheduled timer as a (sequence) pair; the sequence
// alone is sufficient here because Go timers are heap-allocated and tracked
// by a monotonically increasing counter rather than a reused pointer, but
// the type is kept distinct from a bare uint64 so callers can't mix it up
// with other identifiers.
type TimerID struct {
	sequence uint64
}

var timerSequence uint64

func nextTimerSequence() uint64 {
	return atomic.AddUint64(&timerSequence, 1)
}

// timerEntry is one scheduled callback.
type timerEntry struct {
	id         TimerID
	callback   TimerCallback
	expiration time.Time
	interval   time.Duration // 0 means one-shot
	repeat     bool

	heapIndex int // position in the timerQueue's primary heap
}

func (t *timerEntry) restart(now time.Time) {
	if t.repeat {
		t.expiration = now.Add(t.interval)
	} else {
		t.expiration = time.Time{}
	}
}
