package ioreactor

import (
	"net"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type connectorState int32

const (
	connectorDisconnected connectorState = iota
	connectorConnecting
	connectorConnected
)

const (
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// NewConnectionFunc hands a freshly connected fd and its peer address to
// the owner (normally TcpClient) once a non-blocking connect completes.
type NewConnectionFunc func(fd int, peer net.Addr)

// Connector drives a non-blocking connect(2) with retry and exponential
// backoff, grounded on muduo's Connector. Retries continue until Stop is
// called or a connection succeeds.
type Connector struct {
	loop    *EventLoop
	network string
	addr    string

	state   atomic.Int32
	connect atomic.Bool // whether reconnection should be attempted

	channel   *Channel
	retryDelay time.Duration

	newConnectionCallback NewConnectionFunc
}

// NewConnector constructs a connector targeting addr; it does not start
// connecting until Start is called.
func NewConnector(loop *EventLoop, network, addr string) *Connector {
	c := &Connector{loop: loop, network: network, addr: addr, retryDelay: initialRetryDelay}
	c.state.Store(int32(connectorDisconnected))
	c.connect.Store(true)
	return c
}

func (c *Connector) SetNewConnectionCallback(cb NewConnectionFunc) {
	c.newConnectionCallback = cb
}

// Start begins connecting, posted onto the owning loop.
func (c *Connector) Start() {
	c.connect.Store(true)
	c.loop.runInLoop(c.startInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.assertInLoopThread()
	if !c.connect.Load() {
		return
	}
	c.connectNow()
}

// Stop cancels pending retries: a retry already scheduled does nothing when
// it fires. An in-flight connect attempt is abandoned: its channel is
// removed, so its completion is never reported.
func (c *Connector) Stop() {
	c.connect.Store(false)
	c.loop.runInLoop(func() {
		if c.state.Load() == int32(connectorConnecting) {
			c.state.Store(int32(connectorDisconnected))
			c.removeAndResetChannel()
		}
	})
}

func (c *Connector) connectNow() {
	fd, err := connectNonblocking(c.network, c.addr)
	if err != nil {
		c.retry()
		return
	}

	c.state.Store(int32(connectorConnecting))
	c.channel = NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.EnableWriting()
}

func (c *Connector) handleWrite() {
	c.loop.assertInLoopThread()
	if c.state.Load() != int32(connectorConnecting) {
		return
	}
	fd := c.channel.Fd()
	c.removeAndResetChannel()

	if err := socketError(fd); err != nil {
		unix.Close(fd)
		c.retry()
		return
	}
	if sockSelfConnect(fd) {
		unix.Close(fd)
		c.retry()
		return
	}

	c.state.Store(int32(connectorConnected))
	c.retryDelay = initialRetryDelay
	if c.connect.Load() && c.newConnectionCallback != nil {
		c.newConnectionCallback(fd, peerAddr(fd))
	} else {
		unix.Close(fd)
	}
}

func (c *Connector) handleError() {
	c.loop.assertInLoopThread()
	fd := c.channel.Fd()
	c.removeAndResetChannel()
	unix.Close(fd)
	c.retry()
}

func (c *Connector) removeAndResetChannel() {
	if c.channel != nil {
		c.channel.DisableAll()
		c.channel.Remove()
		c.channel = nil
	}
}

// retry backs off exponentially up to maxRetryDelay, then schedules another
// connect attempt via the loop's timer.
func (c *Connector) retry() {
	c.state.Store(int32(connectorDisconnected))
	if !c.connect.Load() {
		return
	}
	L().Infof("ioreactor: retrying connect to %s in %s", c.addr, c.retryDelay)
	c.loop.RunAfter(c.retryDelay, c.startInLoop)
	c.retryDelay *= 2
	if c.retryDelay > maxRetryDelay {
		c.retryDelay = maxRetryDelay
	}
}

// sockSelfConnect detects the kernel connecting a socket to itself, an edge
// case possible with ephemeral-port connects to loopback addresses, which
// muduo's Connector explicitly guards against.
func sockSelfConnect(fd int) bool {
	local := localAddr(fd)
	peer := peerAddr(fd)
	lt, lok := local.(*net.TCPAddr)
	pt, pok := peer.(*net.TCPAddr)
	if !lok || !pok {
		return false
	}
	return lt.Port == pt.Port && lt.IP.Equal(pt.IP)
}
