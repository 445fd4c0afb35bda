package ioreactor

import (
	"time"

	"github.com/kevwan/ioreactor/buffer"
)

// ConnectionCallback fires on both the up and down transitions of a
// connection; callers distinguish direction via TcpConnection.Connected.
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback fires whenever bytes are appended to a connection's input
// buffer.
type MessageCallback func(conn *TcpConnection, in *buffer.Buffer, receiveTime time.Time)

// WriteCompleteCallback fires when a connection's output buffer drains to
// empty from non-empty.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires on an upward crossing of a connection's
// configured output high-water mark.
type HighWaterMarkCallback func(conn *TcpConnection, outputBytes int)

// closeCallback is internal-only: it lets TcpServer/TcpClient learn a
// connection has finished its close path so they can schedule removal from
// their connection map.
type closeCallback func(conn *TcpConnection)
