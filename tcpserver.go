package ioreactor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TcpServer owns an Acceptor on its base loop and an EventLoopThreadPool
// that connections are distributed across round-robin, grounded on muduo's
// TcpServer.
type TcpServer struct {
	baseLoop *EventLoop
	name     string
	acceptor *Acceptor
	pool     *EventLoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	nextConnID atomic.Uint64

	mu          sync.Mutex
	connections map[string]*TcpConnection

	poolSize int
	started  atomic.Bool
}

// NewTcpServer binds addr on baseLoop. reusePort enables SO_REUSEPORT on
// the listening socket, letting multiple TcpServer instances (in separate
// processes) share one port.
func NewTcpServer(baseLoop *EventLoop, network, addr, name string, reusePort bool) (*TcpServer, error) {
	acceptor, err := NewAcceptor(baseLoop, network, addr, reusePort)
	if err != nil {
		return nil, err
	}
	s := &TcpServer{
		baseLoop:    baseLoop,
		name:        name,
		acceptor:    acceptor,
		pool:        NewEventLoopThreadPool(baseLoop, PollerEpoll),
		connections: make(map[string]*TcpConnection),
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)         { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)               { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback)   { s.writeCompleteCallback = cb }

// SetThreadPoolSize sets the number of worker loops the server distributes
// accepted connections across. Must be called before Start.
func (s *TcpServer) SetThreadPoolSize(n int) {
	s.poolSize = n
}

// Start begins listening and spawns the worker pool. Safe to call multiple
// times; only the first call has effect.
func (s *TcpServer) Start() {
	if s.started.Swap(true) {
		return
	}
	s.pool.Start(s.poolSize)
	s.baseLoop.runInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			L().Errorf("ioreactor: TcpServer %s failed to listen: %v", s.name, err)
		}
	})
}

func (s *TcpServer) newConnection(fd int, peer net.Addr) {
	s.baseLoop.assertInLoopThread()
	loop := s.pool.GetNextLoop()

	connID := s.nextConnID.Add(1)
	name := fmt.Sprintf("%s-%s#%d", s.name, uuid.NewString(), connID)

	local := localAddr(fd)
	conn := NewTcpConnection(loop, name, fd, local, peer)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[name] = conn
	s.mu.Unlock()

	loop.runInLoop(conn.ConnectEstablished)
}

// removeConnection is invoked on the connection's own loop once its close
// path has run; the map mutation is dispatched back onto the base loop so
// it is always single-threaded, mirroring muduo's two-hop removeConnection
// / removeConnectionInLoop split.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.baseLoop.QueueInLoop(func() {
		s.mu.Lock()
		delete(s.connections, conn.Name())
		s.mu.Unlock()
		conn.Loop().QueueInLoop(conn.ConnectDestroyed)
	})
}

// Connections returns a snapshot of currently tracked connections.
func (s *TcpServer) Connections() []*TcpConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TcpConnection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

// Close stops accepting and releases the acceptor's resources. Existing
// connections are left to wind down on their own loops.
func (s *TcpServer) Close() error {
	return s.acceptor.Close()
}
