package ioreactor

import (
	"testing"
	"time"
)

func TestTimerQueueRunEveryRepeats(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	ticks := make(chan struct{}, 10)
	id := loop.RunEvery(20*time.Millisecond, func() { ticks <- struct{}{} })

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
	}
	loop.CancelTimer(id)
}

func TestTimerQueueCancelDuringOwnCallback(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	ticks := make(chan struct{}, 10)
	var id TimerID
	loop.RunInLoop(func() {
		id = loop.RunEvery(15*time.Millisecond, func() {
			ticks <- struct{}{}
			loop.CancelTimer(id) // cancel from within the firing callback itself
		})
	})

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("timer never fired once")
	}

	select {
	case <-ticks:
		t.Fatal("timer fired again after self-cancelling on its first tick")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimerQueueMultipleTimersFireInExpirationOrder(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	order := make(chan int, 3)
	loop.RunAfter(60*time.Millisecond, func() { order <- 3 })
	loop.RunAfter(10*time.Millisecond, func() { order <- 1 })
	loop.RunAfter(30*time.Millisecond, func() { order <- 2 })

	for i := 1; i <= 3; i++ {
		select {
		case v := <-order:
			if v != i {
				t.Fatalf("timer fired out of expiration order: got %d, want %d", v, i)
			}
		case <-time.After(time.Second):
			t.Fatal("timer never fired")
		}
	}
}
