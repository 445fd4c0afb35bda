package ioreactor

import (
	"net"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/kevwan/ioreactor/buffer"
)

// ConnState is a TcpConnection's position in the
// connecting -> connected -> disconnecting -> disconnected graph. The close
// path is reachable from either connected or disconnecting.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TcpConnection is the per-connection state machine: input/output buffers,
// high-water signalling, and half-close, grounded on muduo's TcpConnection,
// with connectEstablished / handleRead / handleClose / shutdown /
// connectDestroyed carried over verbatim in spirit.
//
// A TcpConnection is always reached through a pointer shared between its
// owning server/client's map and any pending callback closures that must
// keep it alive; Go's garbage collector provides that lifetime guarantee
// directly; the "tie" mechanism only protects against a callback freeing
// the Channel's bookkeeping mid-handleEvent; see Channel.Tie.
type TcpConnection struct {
	loop *EventLoop
	name string

	fd      int
	channel *Channel

	localAddr net.Addr
	peerAddr  net.Addr

	state atomic.Int32

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	highWaterMark int

	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	highWaterMarkCallback  HighWaterMarkCallback
	onClose                closeCallback

	context interface{}

	alive atomic.Bool
}

// NewTcpConnection constructs a connection for an already-accepted or
// already-connected fd, bound to loop. The connection starts in
// StateConnecting; ConnectEstablished transitions it to StateConnected.
func NewTcpConnection(loop *EventLoop, name string, fd int, local, peer net.Addr) *TcpConnection {
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		fd:            fd,
		localAddr:     local,
		peerAddr:      peer,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
		highWaterMark: 64 * 1024,
	}
	c.state.Store(int32(StateConnecting))
	c.alive.Store(true)

	c.channel = NewChannel(loop, fd)
	c.channel.Tie(func() bool { return c.alive.Load() })
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	return c
}

func (c *TcpConnection) Loop() *EventLoop   { return c.loop }
func (c *TcpConnection) Name() string       { return c.name }
func (c *TcpConnection) LocalAddr() net.Addr { return c.localAddr }
func (c *TcpConnection) PeerAddr() net.Addr  { return c.peerAddr }
func (c *TcpConnection) Connected() bool    { return c.State() == StateConnected }
func (c *TcpConnection) State() ConnState   { return ConnState(c.state.Load()) }

func (c *TcpConnection) SetContext(ctx interface{}) { c.context = ctx }
func (c *TcpConnection) Context() interface{}       { return c.context }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback)         { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)               { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback)   { c.writeCompleteCallback = cb }
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}
func (c *TcpConnection) setCloseCallback(cb closeCallback) { c.onClose = cb }

// SetTcpNoDelay toggles TCP_NODELAY on the underlying socket.
func (c *TcpConnection) SetTcpNoDelay(on bool) error {
	return setNoDelay(c.fd, on)
}

// SetKeepAlive enables SO_KEEPALIVE on the underlying socket with the given
// idle interval before the first probe.
func (c *TcpConnection) SetKeepAlive(idle time.Duration) error {
	return setKeepAlive(c.fd, idle)
}

// InputBuffer exposes the connection's input buffer for direct inspection
// from the message callback, mirroring muduo's TcpConnection::inputBuffer.
func (c *TcpConnection) InputBuffer() *buffer.Buffer { return c.inputBuffer }

// ConnectEstablished transitions StateConnecting -> StateConnected, enables
// read interest, and invokes the user connection callback. The channel is
// already tied to this connection by NewTcpConnection. Must execute at most
// once, on the owning loop.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.assertInLoopThread()
	if c.State() != StateConnecting {
		L().Fatalf("ioreactor: ConnectEstablished called twice for connection %s", c.name)
	}
	c.state.Store(int32(StateConnected))
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed forces the connection through the close path if it is
// still connected, then removes its channel from the demultiplexer. Must
// execute at most once, on the owning loop.
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.assertInLoopThread()
	if c.State() == StateConnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	c.alive.Store(false)
	unix.Close(c.fd)
}

func (c *TcpConnection) handleRead(receiveTime time.Time) {
	c.loop.assertInLoopThread()
	n, err := c.inputBuffer.ReadFd(c.fd)
	switch {
	case err != nil:
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.handleError()
	case n == 0:
		c.handleClose()
	default:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	}
}

// handleClose: precondition state in {connected, disconnecting}. Sets
// disconnected, disables all interest, fires the user connection callback
// (now reporting disconnected), then the internal close callback so the
// owner can schedule removal.
func (c *TcpConnection) handleClose() {
	c.loop.assertInLoopThread()
	st := c.State()
	if st != StateConnected && st != StateDisconnecting {
		return
	}
	c.state.Store(int32(StateDisconnected))
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *TcpConnection) handleError() {
	if err := socketError(c.fd); err != nil {
		L().Warnf("ioreactor: connection %s socket error: %v", c.name, err)
	}
}

// Send may be called from any thread. If not called from the owning loop,
// the payload is copied and posted via RunInLoop.
func (c *TcpConnection) Send(data []byte) {
	if c.loop.isInLoopThread() {
		c.sendInLoop(data)
		return
	}
	copied := append([]byte(nil), data...)
	c.loop.runInLoop(func() { c.sendInLoop(copied) })
}

func (c *TcpConnection) sendInLoop(data []byte) {
	if c.State() != StateConnected {
		L().Warnf("ioreactor: dropping Send on non-connected connection %s (state=%s)", c.name, c.State())
		return
	}

	var (
		n          int
		err        error
		wroteFully bool
	)
	if c.outputBuffer.ReadableBytes() == 0 && !c.channel.IsWriting() {
		n, err = unix.Write(c.fd, data)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				L().Warnf("ioreactor: write error on connection %s: %v", c.name, err)
			}
			n = 0
		} else if n == len(data) {
			wroteFully = true
			if c.writeCompleteCallback != nil {
				c.loop.queueInLoop(func() { c.writeCompleteCallback(c) })
			}
		}
	}

	if !wroteFully && c.State() != StateDisconnected {
		remaining := data[n:]
		wasBelow := c.outputBuffer.ReadableBytes() < c.highWaterMark
		c.outputBuffer.Append(remaining)
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
		now := c.outputBuffer.ReadableBytes()
		if wasBelow && now >= c.highWaterMark && c.highWaterMarkCallback != nil {
			c.highWaterMarkCallback(c, now)
		}
	}
}

// handleWrite drains the output buffer with a non-blocking write; on full
// drain it disables write interest and posts the write-complete callback;
// if disconnecting, it proceeds with the half-close.
func (c *TcpConnection) handleWrite() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		return
	}
	data := c.outputBuffer.Peek()
	n, err := unix.Write(c.fd, data)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		L().Warnf("ioreactor: write error on connection %s: %v", c.name, err)
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.queueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// Shutdown half-closes the write side. Only safe from the owning loop; not
// safe for simultaneous calls, matching muduo's documented contract.
func (c *TcpConnection) Shutdown() {
	if c.State() == StateConnected {
		c.state.Store(int32(StateDisconnecting))
		c.loop.runInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		unix.Shutdown(c.fd, unix.SHUT_WR)
	}
}
