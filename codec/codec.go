// Package codec implements a chat-style length-prefixed message framing,
// grounded on muduo's examples/asio/chat/codec.h: a 4-byte
// big-endian length header followed by that many bytes of UTF-8 payload.
package codec

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/kevwan/ioreactor"
	"github.com/kevwan/ioreactor/buffer"
)

const (
	headerSize = 4
	// MaxMessageLength rejects absurdly large length headers before they can
	// be used to justify an unbounded buffer growth.
	MaxMessageLength = 65536
)

// ErrMessageTooLarge describes a peer advertising a length outside
// [0, MaxMessageLength]. OnMessage does not return or report it; on such a
// header it shuts the connection down.
var ErrMessageTooLarge = errors.New("codec: message length out of range")

// StringMessageCallback receives one fully framed message at a time.
type StringMessageCallback func(conn *ioreactor.TcpConnection, message string, receiveTime time.Time)

// Codec adapts a connection's raw MessageCallback into whole framed
// messages, dispatching one at a time as they become available and leaving
// partial trailing bytes buffered for the next read.
type Codec struct {
	onMessage StringMessageCallback
}

// New returns a Codec that calls cb once per complete frame.
func New(cb StringMessageCallback) *Codec {
	return &Codec{onMessage: cb}
}

// OnMessage is installed as a connection's MessageCallback.
func (c *Codec) OnMessage(conn *ioreactor.TcpConnection, buf *buffer.Buffer, receiveTime time.Time) {
	for {
		if buf.ReadableBytes() < headerSize {
			return
		}
		header := buf.Peek()[:headerSize]
		length := int(binary.BigEndian.Uint32(header))
		if length < 0 || length > MaxMessageLength {
			conn.Shutdown()
			return
		}
		if buf.ReadableBytes() < headerSize+length {
			return
		}
		buf.Retrieve(headerSize)
		message := buf.RetrieveAsBytes(length)
		if c.onMessage != nil {
			c.onMessage(conn, string(message), receiveTime)
		}
	}
}

// Send frames message with a 4-byte big-endian length header and writes it
// to conn.
func Send(conn *ioreactor.TcpConnection, message string) {
	frame := make([]byte, headerSize+len(message))
	binary.BigEndian.PutUint32(frame, uint32(len(message)))
	copy(frame[headerSize:], message)
	conn.Send(frame)
}
