package ioreactor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/kevwan/ioreactor/internal"
)

// pollTimeout bounds how long a single Poll call may block, so a loop with
// no registered timers still wakes periodically (matches muduo's
// kPollTimeMs).
const pollTimeout = 10 * time.Second

// Functor is a zero-arity callable posted onto a loop's task queue.
type Functor func()

// EventLoop is a per-thread reactor: it owns a Demultiplexer, a TimerQueue,
// a wakeup channel, and a cross-thread task queue, and runs the dispatch
// loop. At most one EventLoop may run per goroutine-as-thread; Go has no
// native thread-local storage, so ownership is tracked by recording the
// constructing goroutine's id (parsed from runtime.Stack, the same trick
// used by joeycumines-go-utilpkg's eventloop.Loop.isLoopThread) and
// asserting every loop-only entry point against it.
type EventLoop struct {
	goroutineID uint64

	looping         atomic.Bool
	quitting        atomic.Bool
	handlingEvents  atomic.Bool
	runningPending  atomic.Bool

	pollReturnTime time.Time

	poller      Demultiplexer
	timerQueue  *TimerQueue
	wakeupFd    internal.EventFd
	wakeupChan  *Channel

	activeChannels        []*Channel
	currentActiveChannel  *Channel

	mu      sync.Mutex
	pending []Functor
}

// NewEventLoop constructs an EventLoop bound to the calling goroutine. A
// second loop constructed on the same goroutine is a programmer error and
// aborts fatally, mirroring muduo's "Another EventLoop exists in this
// thread" check.
func NewEventLoop(kind PollerKind) (*EventLoop, error) {
	poller, err := newDemultiplexer(kind)
	if err != nil {
		return nil, fmt.Errorf("ioreactor: create poller: %w", err)
	}
	wakeupFd, err := internal.NewEventFd()
	if err != nil {
		_ = poller.Close()
		return nil, fmt.Errorf("ioreactor: create wakeup fd: %w", err)
	}

	loop := &EventLoop{
		goroutineID: currentGoroutineID(),
		poller:      poller,
		wakeupFd:    wakeupFd,
	}

	if existing := loopRegistry.registerOrNil(loop.goroutineID, loop); existing != nil {
		_ = wakeupFd.Close()
		_ = poller.Close()
		L().Fatalf("ioreactor: another EventLoop already exists on this goroutine")
	}

	tq, err := NewTimerQueue(loop)
	if err != nil {
		loopRegistry.unregister(loop.goroutineID)
		_ = wakeupFd.Close()
		_ = poller.Close()
		return nil, fmt.Errorf("ioreactor: create timer queue: %w", err)
	}
	loop.timerQueue = tq

	loop.wakeupChan = NewChannel(loop, wakeupFd.Fd())
	loop.wakeupChan.SetReadCallback(func(time.Time) { loop.handleWakeupRead() })
	loop.wakeupChan.EnableReading()

	return loop, nil
}

// currentEventLoop returns the EventLoop owning the calling goroutine, or
// nil if none was constructed on it.
func currentEventLoop() *EventLoop {
	return loopRegistry.get(currentGoroutineID())
}

// loop runs the dispatch loop: poll, dispatch active channels, drain tasks.
// Requires the calling goroutine to be the owning one (see NewEventLoop).
func (l *EventLoop) Loop() {
	l.assertInLoopThread()
	if l.looping.Load() {
		L().Fatalf("ioreactor: EventLoop.Loop called while already looping")
	}
	l.looping.Store(true)
	l.quitting.Store(false)

	for !l.quitting.Load() {
		l.activeChannels = l.activeChannels[:0]
		now, err := l.poller.Poll(int(pollTimeout.Milliseconds()), &l.activeChannels)
		if err != nil {
			L().Errorf("ioreactor: poll error: %v", err)
		}
		l.pollReturnTime = now

		l.handlingEvents.Store(true)
		for _, ch := range l.activeChannels {
			l.currentActiveChannel = ch
			ch.HandleEvent(l.pollReturnTime)
		}
		l.currentActiveChannel = nil
		l.handlingEvents.Store(false)

		l.doPendingTasks()
	}

	l.looping.Store(false)
}

// Quit is safe from any thread. It is cooperative: the loop exits after
// finishing its current tick.
func (l *EventLoop) Quit() {
	l.quitting.Store(true)
	if !l.isInLoopThread() || l.runningPending.Load() {
		l.wakeup()
	}
}

// RunInLoop invokes fn immediately if called from the owning goroutine,
// otherwise posts it via QueueInLoop. Safe from any thread.
func (l *EventLoop) runInLoop(fn Functor) {
	if l.isInLoopThread() {
		fn()
		return
	}
	l.queueInLoop(fn)
}

// RunInLoop is the exported form of runInLoop.
func (l *EventLoop) RunInLoop(fn Functor) { l.runInLoop(fn) }

// QueueInLoop appends fn to the task queue under lock and wakes the loop if
// the caller is foreign, or if the loop is presently draining tasks (since
// a following poll could otherwise block before seeing this task).
func (l *EventLoop) queueInLoop(fn Functor) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	if !l.isInLoopThread() || l.runningPending.Load() {
		l.wakeup()
	}
}

// QueueInLoop is the exported form of queueInLoop.
func (l *EventLoop) QueueInLoop(fn Functor) { l.queueInLoop(fn) }

// RunAt schedules cb to run at the given time. Safe from any thread.
func (l *EventLoop) RunAt(when time.Time, cb TimerCallback) TimerID {
	return l.timerQueue.AddTimer(cb, when, 0)
}

// RunAfter schedules cb to run after delay. Safe from any thread.
func (l *EventLoop) RunAfter(delay time.Duration, cb TimerCallback) TimerID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb to run every interval, starting after interval.
// Safe from any thread.
func (l *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return l.timerQueue.AddTimer(cb, time.Now().Add(interval), interval)
}

// CancelTimer cancels a previously scheduled timer. Safe from any thread.
func (l *EventLoop) CancelTimer(id TimerID) {
	l.timerQueue.Cancel(id)
}

// updateChannel and removeChannel are in-loop only.
func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	if err := l.poller.UpdateChannel(ch); err != nil {
		L().Errorf("ioreactor: update channel fd=%d: %v", ch.Fd(), err)
	}
}

// removeChannel detaches ch. Its invariant: ch is either the channel
// currently being handled, or not present in this tick's active list at
// all — otherwise the in-progress iteration would dereference a channel
// already removed from underneath it.
func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	if l.handlingEvents.Load() {
		if l.currentActiveChannel != ch && channelInList(l.activeChannels, ch) {
			L().Fatalf("ioreactor: removeChannel called on a channel still pending in this tick's active list")
		}
	}
	if err := l.poller.RemoveChannel(ch); err != nil {
		L().Errorf("ioreactor: remove channel fd=%d: %v", ch.Fd(), err)
	}
}

func channelInList(list []*Channel, ch *Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

func (l *EventLoop) handleWakeupRead() {
	if _, err := l.wakeupFd.ReadEvent(); err != nil {
		L().Errorf("ioreactor: wakeup read: %v", err)
	}
}

func (l *EventLoop) wakeup() {
	if err := l.wakeupFd.WriteEvent(1); err != nil {
		L().Errorf("ioreactor: wakeup write: %v", err)
	}
}

// doPendingTasks moves the pending list out under the lock into a local
// slice, then invokes each task with the lock released. This keeps the
// critical section small, lets a task call QueueInLoop without deadlock,
// and lets a task freely modify loop state.
func (l *EventLoop) doPendingTasks() {
	l.runningPending.Store(true)
	defer l.runningPending.Store(false)

	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

// assertInLoopThread aborts fatally when called from a goroutine other than
// the one that constructed this loop. This is the Go rendering of
// EventLoop::assertInLoopThread.
func (l *EventLoop) assertInLoopThread() {
	if !l.isInLoopThread() {
		L().Fatalf("ioreactor: EventLoop used from goroutine %d, owned by goroutine %d",
			currentGoroutineID(), l.goroutineID)
	}
}

func (l *EventLoop) isInLoopThread() bool {
	return currentGoroutineID() == l.goroutineID
}

// PollReturnTime is the wall timestamp of the most recent Poll return.
func (l *EventLoop) PollReturnTime() time.Time { return l.pollReturnTime }

// Close tears down the loop's timer queue, wakeup fd, and poller. Must be
// called after Loop() has returned.
func (l *EventLoop) Close() error {
	loopRegistry.unregister(l.goroutineID)
	var firstErr error
	if err := l.timerQueue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.wakeupFd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.poller.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// currentGoroutineID parses the running goroutine's id out of its stack
// trace header ("goroutine NNN [running]: ..."). There is no supported way
// to obtain a goroutine id in Go; this is the same pattern used by
// joeycumines-go-utilpkg's eventloop package to back its isLoopThread
// check, adopted here verbatim because it is the only portable mechanism
// available.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// loopByGoroutine is a tiny process-wide registry mapping goroutine id to
// the EventLoop constructed on it, mirroring muduo's
// __thread EventLoop *t_loopInThisThread.
type loopByGoroutine struct {
	mu   sync.Mutex
	byID map[uint64]*EventLoop
}

var loopRegistry = &loopByGoroutine{byID: make(map[uint64]*EventLoop)}

func (r *loopByGoroutine) registerOrNil(id uint64, l *EventLoop) *EventLoop {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		return existing
	}
	r.byID[id] = l
	return nil
}

func (r *loopByGoroutine) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

func (r *loopByGoroutine) get(id uint64) *EventLoop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}
