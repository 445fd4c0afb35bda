package ioreactor

import (
	"sync"
)

// ThreadInitCallback runs on a pool worker's loop right before it starts
// looping, letting callers attach per-loop state.
type ThreadInitCallback func(loop *EventLoop)

// EventLoopThread owns a goroutine running exactly one EventLoop. Grounded
// on muduo's EventLoopThread, which publishes its loop to the constructing
// thread through a condition variable; Go has no condition variable
// primitive as convenient for this, so publication happens over a
// one-shot channel instead.
type EventLoopThread struct {
	kind       PollerKind
	initCB     ThreadInitCallback
	loopCh     chan *EventLoop
	startOnce  sync.Once
}

// NewEventLoopThread constructs a thread that has not yet started.
func NewEventLoopThread(kind PollerKind, initCB ThreadInitCallback) *EventLoopThread {
	return &EventLoopThread{
		kind:   kind,
		initCB: initCB,
		loopCh: make(chan *EventLoop, 1),
	}
}

// StartLoop spawns the goroutine (at most once) and blocks until its
// EventLoop is constructed and ready, returning it.
func (t *EventLoopThread) StartLoop() *EventLoop {
	t.startOnce.Do(func() {
		go t.threadFunc()
	})
	return <-t.loopCh
}

func (t *EventLoopThread) threadFunc() {
	loop, err := NewEventLoop(t.kind)
	if err != nil {
		L().Fatalf("ioreactor: EventLoopThread failed to create loop: %v", err)
	}
	if t.initCB != nil {
		t.initCB(loop)
	}
	t.loopCh <- loop
	loop.Loop()
	loop.Close()
}

// EventLoopThreadPool spreads worker loops round-robin across a fixed-size
// pool of EventLoopThreads, grounded on muduo's EventLoopThreadPool. A pool
// of size zero always hands back the base loop, a single-threaded
// fallback.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	kind     PollerKind
	initCB   ThreadInitCallback

	mu      sync.Mutex
	started bool
	threads []*EventLoopThread
	loops   []*EventLoop
	next    int
}

// NewEventLoopThreadPool constructs a pool anchored on baseLoop, which
// always owns the Acceptor regardless of pool size.
func NewEventLoopThreadPool(baseLoop *EventLoop, kind PollerKind) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, kind: kind}
}

// SetThreadInitCallback must be called before Start.
func (p *EventLoopThreadPool) SetThreadInitCallback(cb ThreadInitCallback) {
	p.initCB = cb
}

// Start spawns numThreads worker loops. Must be called from the base loop's
// goroutine.
func (p *EventLoopThreadPool) Start(numThreads int) {
	p.baseLoop.assertInLoopThread()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < numThreads; i++ {
		th := NewEventLoopThread(p.kind, p.initCB)
		p.threads = append(p.threads, th)
		p.loops = append(p.loops, th.StartLoop())
	}
	if numThreads == 0 && p.initCB != nil {
		p.initCB(p.baseLoop)
	}
}

// GetNextLoop returns the next worker loop in round-robin order, or the
// base loop if the pool has no workers.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.assertInLoopThread()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// AllLoops returns the worker loops, or a single-element slice containing
// the base loop if the pool has no workers.
func (p *EventLoopThreadPool) AllLoops() []*EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}
