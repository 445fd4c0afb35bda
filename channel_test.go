package ioreactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestChannelReadWriteNotificationEndToEnd(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	var ch *Channel
	read := make(chan []byte, 1)
	ready := make(chan struct{})
	loop.RunInLoop(func() {
		ch = NewChannel(loop, fds[0])
		ch.SetReadCallback(func(time.Time) {
			buf := make([]byte, 64)
			n, _ := unix.Read(fds[0], buf)
			read <- buf[:n]
		})
		ch.EnableReading()
		close(ready)
	})
	<-ready

	if _, err := unix.Write(fds[1], []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-read:
		if string(got) != "ping" {
			t.Fatalf("read callback got %q, want ping", got)
		}
	case <-time.After(time.Second):
		t.Fatal("read callback never fired")
	}

	loop.RunInLoop(func() {
		ch.DisableAll()
		ch.Remove()
		unix.Close(fds[0])
	})
}

func TestChannelTieDropsEventsOnceDead(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])
	defer unix.Close(fds[0])

	called := make(chan struct{}, 1)
	var ch *Channel
	alive := false
	ready := make(chan struct{})
	loop.RunInLoop(func() {
		ch = NewChannel(loop, fds[0])
		ch.Tie(func() bool { return alive })
		ch.SetReadCallback(func(time.Time) {
			// Drain the pending bytes so the level-triggered poller does not
			// re-fire this callback on every tick.
			unix.Read(fds[0], make([]byte, 16))
			called <- struct{}{}
		})
		ch.EnableReading()
		close(ready)
	})
	<-ready

	unix.Write(fds[1], []byte("x"))
	select {
	case <-called:
		t.Fatal("read callback fired while tie probe reported dead")
	case <-time.After(100 * time.Millisecond):
	}

	loop.RunInLoop(func() { alive = true })
	unix.Write(fds[1], []byte("y"))
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("read callback never fired once tie probe reported alive")
	}

	loop.RunInLoop(func() {
		ch.DisableAll()
		ch.Remove()
	})
}
