package ioreactor

import (
	"testing"
	"time"
)

func newTestLoop(t *testing.T) (*EventLoop, chan struct{}) {
	t.Helper()
	// Loop must run on the goroutine that constructed the loop, so both
	// happen on the same background goroutine.
	loopCh := make(chan *EventLoop, 1)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		loop, err := NewEventLoop(PollerEpoll)
		if err != nil {
			errCh <- err
			return
		}
		loopCh <- loop
		loop.Loop()
		close(done)
	}()
	select {
	case err := <-errCh:
		t.Fatalf("NewEventLoop: %v", err)
		return nil, nil
	case loop := <-loopCh:
		return loop, done
	}
}

func stopTestLoop(t *testing.T, loop *EventLoop, done chan struct{}) {
	t.Helper()
	loop.Quit()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not quit in time")
	}
	if err := loop.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEventLoopRunInLoopFromForeignThread(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	result := make(chan uint64, 1)
	loop.RunInLoop(func() {
		result <- currentGoroutineID()
	})

	select {
	case id := <-result:
		if id != loop.goroutineID {
			t.Fatalf("task ran on goroutine %d, want loop's own %d", id, loop.goroutineID)
		}
	case <-time.After(time.Second):
		t.Fatal("RunInLoop task never ran")
	}
}

func TestEventLoopQueueInLoopOrdering(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	order := make(chan int, 3)
	loop.QueueInLoop(func() { order <- 1 })
	loop.QueueInLoop(func() { order <- 2 })
	loop.QueueInLoop(func() { order <- 3 })

	for i := 1; i <= 3; i++ {
		select {
		case v := <-order:
			if v != i {
				t.Fatalf("task %d ran out of order, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatal("queued task never ran")
		}
	}
}

func TestEventLoopRunAfter(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	fired := make(chan struct{})
	start := time.Now()
	loop.RunAfter(50*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
		if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
			t.Fatalf("timer fired too early: %v", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("RunAfter callback never fired")
	}
}

func TestEventLoopCancelTimer(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	fired := make(chan struct{}, 1)
	var id TimerID
	loop.RunInLoop(func() {
		id = loop.RunAfter(30*time.Millisecond, func() { fired <- struct{}{} })
		loop.CancelTimer(id)
	})

	select {
	case <-fired:
		t.Fatal("cancelled timer fired anyway")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestEventLoopIsInLoopThread(t *testing.T) {
	loop, err := NewEventLoop(PollerEpoll)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer loop.Close()

	// NewEventLoop binds ownership to the constructing goroutine, which is
	// this test goroutine.
	if !loop.isInLoopThread() {
		t.Fatal("isInLoopThread() = false on the constructing goroutine")
	}

	foreign := make(chan bool, 1)
	go func() { foreign <- loop.isInLoopThread() }()
	if <-foreign {
		t.Fatal("isInLoopThread() = true on a different goroutine")
	}
}
