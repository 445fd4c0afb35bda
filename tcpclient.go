package ioreactor

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/atomic"
)

// TcpClient drives a Connector and wraps whatever connection it produces,
// grounded on muduo's TcpClient. Unlike TcpServer it manages at most one
// live TcpConnection at a time.
type TcpClient struct {
	loop      *EventLoop
	name      string
	connector *Connector

	retry   atomic.Bool
	connect atomic.Bool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	mu   sync.Mutex
	conn *TcpConnection

	nextConnID int
}

// NewTcpClient constructs a client targeting addr on loop; it does not
// start connecting until Connect is called.
func NewTcpClient(loop *EventLoop, network, addr, name string) *TcpClient {
	c := &TcpClient{
		loop:      loop,
		name:      name,
		connector: NewConnector(loop, network, addr),
	}
	c.connect.Store(true)
	c.connector.SetNewConnectionCallback(c.newConnection)
	return c
}

func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpClient) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// EnableRetry makes the client re-run the Connector's backoff loop whenever
// the current connection closes, instead of giving up after one attempt.
func (c *TcpClient) EnableRetry() { c.retry.Store(true) }

// Connect starts the connector.
func (c *TcpClient) Connect() {
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect half-closes the current connection, if any.
func (c *TcpClient) Disconnect() {
	c.connect.Store(false)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}

// Stop cancels any in-progress connect attempt without touching an
// already-established connection.
func (c *TcpClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

// Connection returns the current connection, or nil if not connected.
func (c *TcpClient) Connection() *TcpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *TcpClient) newConnection(fd int, peer net.Addr) {
	c.loop.assertInLoopThread()
	c.nextConnID++
	name := fmt.Sprintf("%s#%d", c.name, c.nextConnID)

	local := localAddr(fd)
	conn := NewTcpConnection(c.loop, name, fd, local, peer)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.setCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.ConnectEstablished()
}

func (c *TcpClient) removeConnection(conn *TcpConnection) {
	c.loop.QueueInLoop(func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Loop().QueueInLoop(conn.ConnectDestroyed)

		if c.retry.Load() && c.connect.Load() {
			L().Infof("ioreactor: TcpClient %s reconnecting", c.name)
			c.connector.Start()
		}
	})
}
