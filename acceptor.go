package ioreactor

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// NewConnectionCallback receives a newly accepted connection's fd and peer
// address. The Acceptor hands the fd off and takes no further ownership of
// it; the callback (normally TcpServer) is responsible for closing it if it
// declines the connection.
type NewConnectionCallback func(fd int, peer net.Addr)

// Acceptor listens on a bound socket, accepts new connections, and handles
// descriptor exhaustion gracefully. Grounded on muduo's Acceptor.
type Acceptor struct {
	loop    *EventLoop
	sock    *listenSocket
	channel *Channel

	newConnectionCallback NewConnectionCallback
	listening              bool

	// idleFd is a reserved, otherwise-unused descriptor kept open so an
	// EMFILE accept can still be drained: close it, accept into its slot,
	// close that, then re-open a placeholder. Without this the listening
	// channel would keep re-triggering (level-triggered) readiness forever
	// on a connection the process has no fd budget to hold onto.
	idleFd int
}

// NewAcceptor binds addr on loop via a non-blocking listening socket.
func NewAcceptor(loop *EventLoop, network, addr string, reusePort bool) (*Acceptor, error) {
	sock, err := listen(network, addr, reusePort)
	if err != nil {
		return nil, err
	}
	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		sock.close()
		return nil, fmt.Errorf("ioreactor: reserve idle fd: %w", err)
	}

	a := &Acceptor{
		loop:   loop,
		sock:   sock,
		idleFd: idleFd,
	}
	a.channel = NewChannel(loop, sock.fd)
	a.channel.SetReadCallback(func(time.Time) { a.handleRead() })
	return a, nil
}

func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

func (a *Acceptor) Listening() bool { return a.listening }

// Listen starts accepting. In-loop only.
func (a *Acceptor) Listen() error {
	a.loop.assertInLoopThread()
	a.listening = true
	if err := unix.Listen(a.sock.fd, unix.SOMAXCONN); err != nil {
		return os.NewSyscallError("listen", err)
	}
	a.channel.EnableReading()
	return nil
}

// handleRead accepts a single pending connection per readiness
// notification; a level-triggered poller re-notifies immediately if more
// connections remain pending.
func (a *Acceptor) handleRead() {
	a.loop.assertInLoopThread()
	fd, peer, err := a.sock.accept()
	if err == nil {
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(fd, peer)
		} else {
			unix.Close(fd)
		}
		return
	}
	if err == unix.EMFILE {
		unix.Close(a.idleFd)
		a.idleFd, _, _ = unix.Accept(a.sock.fd)
		unix.Close(a.idleFd)
		a.idleFd, _ = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	}
}

// Close releases the acceptor's channel, listening socket, and idle fd.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	unix.Close(a.idleFd)
	return a.sock.close()
}
