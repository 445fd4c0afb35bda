package ioreactor

import (
	"container/heap"
	"time"

	"github.com/kevwan/ioreactor/internal"
)

// timerHeap is a min-heap of *timerEntry ordered by (expiration, sequence)
// so ties are broken by insertion order, giving a total order for the
// expiry scan — the Go rendering of muduo's (Timestamp, Timer*) std::set.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].id.sequence < h[j].id.sequence
	}
	return h[i].expiration.Before(h[j].expiration)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// TimerQueue is the ordered collection of timers driven by a single timer
// fd. It supports add, cancel, and periodic rearm. All mutation runs on the
// owning loop; Add and Cancel from other threads post through the loop.
type TimerQueue struct {
	loop       *EventLoop
	timerFd    *internal.TimerFd
	timerFdCh  *Channel
	heap       timerHeap                  // primary index: expiry order
	byID       map[uint64]*timerEntry     // secondary index: cancellation lookup
	cancelling map[uint64]struct{}        // cancelled while its callback runs
	callingExpired bool
}

// NewTimerQueue creates a TimerQueue bound to loop's timer fd channel. It is
// constructed once per EventLoop.
func NewTimerQueue(loop *EventLoop) (*TimerQueue, error) {
	tfd, err := internal.NewTimerFd()
	if err != nil {
		return nil, err
	}
	tq := &TimerQueue{
		loop:       loop,
		timerFd:    tfd,
		byID:       make(map[uint64]*timerEntry),
		cancelling: make(map[uint64]struct{}),
	}
	tq.timerFdCh = NewChannel(loop, tfd.Fd())
	tq.timerFdCh.SetReadCallback(func(time.Time) { tq.handleRead() })
	tq.timerFdCh.EnableReading()
	return tq, nil
}

// AddTimer enqueues a timer and returns its id. Safe from any thread.
func (tq *TimerQueue) AddTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	e := &timerEntry{
		id:         TimerID{sequence: nextTimerSequence()},
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
	}
	tq.loop.runInLoop(func() { tq.addTimerInLoop(e) })
	return e.id
}

// Cancel removes a pending timer. If the timer's callback is currently
// executing, the cancellation is recorded so a periodic rearm is skipped,
// but the in-flight invocation still completes. Safe from any thread.
func (tq *TimerQueue) Cancel(id TimerID) {
	tq.loop.runInLoop(func() { tq.cancelInLoop(id) })
}

func (tq *TimerQueue) addTimerInLoop(e *timerEntry) {
	tq.loop.assertInLoopThread()
	earliestChanged := tq.insert(e)
	if earliestChanged {
		_ = tq.timerFd.Reset(e.expiration)
	}
}

func (tq *TimerQueue) insert(e *timerEntry) (earliestChanged bool) {
	earliestChanged = len(tq.heap) == 0 || e.expiration.Before(tq.heap[0].expiration)
	heap.Push(&tq.heap, e)
	tq.byID[e.id.sequence] = e
	return earliestChanged
}

func (tq *TimerQueue) cancelInLoop(id TimerID) {
	tq.loop.assertInLoopThread()
	e, ok := tq.byID[id.sequence]
	if ok {
		delete(tq.byID, id.sequence)
		heap.Remove(&tq.heap, e.heapIndex)
		return
	}
	if tq.callingExpired {
		tq.cancelling[id.sequence] = struct{}{}
	}
}

func (tq *TimerQueue) handleRead() {
	tq.loop.assertInLoopThread()

	now := time.Now()
	_, _ = tq.timerFd.ReadExpirations()

	expired := tq.getExpired(now)

	tq.callingExpired = true
	for k := range tq.cancelling {
		delete(tq.cancelling, k)
	}
	for _, e := range expired {
		e.callback()
	}
	tq.callingExpired = false

	tq.reset(expired, now)
}

// getExpired extracts the contiguous prefix of timers with expiration <=
// now, using a (now, sentinel-high-sequence) cutoff so ties at exactly
// `now` are still included, mirroring muduo's UINTPTR_MAX sentinel.
func (tq *TimerQueue) getExpired(now time.Time) []*timerEntry {
	var expired []*timerEntry
	for len(tq.heap) > 0 && !tq.heap[0].expiration.After(now) {
		e := heap.Pop(&tq.heap).(*timerEntry)
		delete(tq.byID, e.id.sequence)
		expired = append(expired, e)
	}
	return expired
}

func (tq *TimerQueue) reset(expired []*timerEntry, now time.Time) {
	for _, e := range expired {
		_, cancelled := tq.cancelling[e.id.sequence]
		if e.repeat && !cancelled {
			e.restart(now)
			tq.insert(e)
		}
	}
	if len(tq.heap) > 0 {
		_ = tq.timerFd.Reset(tq.heap[0].expiration)
	}
}

// Close releases the timer fd. Must run after the owning loop has stopped.
func (tq *TimerQueue) Close() error {
	return tq.timerFd.Close()
}
