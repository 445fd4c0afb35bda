package ioreactor

import (
	"net"
	"testing"
	"time"

	"github.com/kevwan/ioreactor/buffer"
)

func TestTcpServerEchoScenario(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	var server *TcpServer
	var startErr error
	ready := make(chan struct{})
	loop.RunInLoop(func() {
		server, startErr = NewTcpServer(loop, "tcp", "127.0.0.1:0", "echo-test", false)
		if startErr != nil {
			close(ready)
			return
		}
		server.SetMessageCallback(func(conn *TcpConnection, in *buffer.Buffer, _ time.Time) {
			conn.Send(in.RetrieveAllAsBytes())
		})
		server.Start()
		close(ready)
	})
	<-ready
	if startErr != nil {
		t.Fatalf("NewTcpServer: %v", startErr)
	}

	addr := server.acceptor.sock.addr.(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("echoed %q, want hello", buf[:n])
	}
}

func TestTcpServerConnectionCallbackReportsUpAndDown(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	transitions := make(chan bool, 2)
	var server *TcpServer
	ready := make(chan struct{})
	loop.RunInLoop(func() {
		var err error
		server, err = NewTcpServer(loop, "tcp", "127.0.0.1:0", "conn-test", false)
		if err != nil {
			t.Errorf("NewTcpServer: %v", err)
			close(ready)
			return
		}
		server.SetConnectionCallback(func(conn *TcpConnection) {
			transitions <- conn.Connected()
		})
		server.Start()
		close(ready)
	})
	<-ready

	addr := server.acceptor.sock.addr.(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case up := <-transitions:
		if !up {
			t.Fatal("first connection callback reported down, want up")
		}
	case <-time.After(time.Second):
		t.Fatal("connection callback never fired on connect")
	}

	conn.Close()

	select {
	case up := <-transitions:
		if up {
			t.Fatal("second connection callback reported up, want down")
		}
	case <-time.After(time.Second):
		t.Fatal("connection callback never fired on disconnect")
	}
}

func TestTcpClientConnectsToServer(t *testing.T) {
	loop, done := newTestLoop(t)
	defer stopTestLoop(t, loop, done)

	var server *TcpServer
	ready := make(chan struct{})
	loop.RunInLoop(func() {
		var err error
		server, err = NewTcpServer(loop, "tcp", "127.0.0.1:0", "client-test", false)
		if err != nil {
			t.Errorf("NewTcpServer: %v", err)
			close(ready)
			return
		}
		server.SetMessageCallback(func(conn *TcpConnection, in *buffer.Buffer, _ time.Time) {
			conn.Send(in.RetrieveAllAsBytes())
		})
		server.Start()
		close(ready)
	})
	<-ready

	addr := server.acceptor.sock.addr.(*net.TCPAddr)

	received := make(chan string, 1)
	client := NewTcpClient(loop, "tcp", addr.String(), "test-client")
	client.SetMessageCallback(func(conn *TcpConnection, in *buffer.Buffer, _ time.Time) {
		received <- string(in.RetrieveAllAsBytes())
	})
	client.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			conn.Send([]byte("ping"))
		}
	})
	client.Connect()

	select {
	case msg := <-received:
		if msg != "ping" {
			t.Fatalf("client received %q, want ping", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received echoed message")
	}
}
