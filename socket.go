package ioreactor

import (
	"fmt"
	"net"
	"os"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"
)

// listenSocket is a thin non-blocking bind/listen/accept wrapper the
// Acceptor drives.
type listenSocket struct {
	fd   int
	addr net.Addr
}

// listen creates a non-blocking, close-on-exec listening socket bound to
// addr. When reusePort is set it goes through go_reuseport to set
// SO_REUSEPORT before bind.
func listen(network, addr string, reusePort bool) (*listenSocket, error) {
	var ln net.Listener
	var err error
	if reusePort {
		ln, err = reuseport.Listen(network, addr)
	} else {
		ln, err = net.Listen(network, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("ioreactor: listen %s %s: %w", network, addr, err)
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("ioreactor: listen %s %s: not a TCP listener", network, addr)
	}
	f, err := tcpLn.File()
	tcpLn.Close()
	if err != nil {
		return nil, fmt.Errorf("ioreactor: detach listener fd: %w", err)
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("ioreactor: set listener non-blocking: %w", err)
	}
	return &listenSocket{fd: fd, addr: tcpLn.Addr()}, nil
}

func (s *listenSocket) accept() (fd int, peer net.Addr, err error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, sockaddrToAddr(sa), nil
}

func (s *listenSocket) close() error {
	return os.NewSyscallError("close", unix.Close(s.fd))
}

// sockaddrToAddr converts a raw accept(2)/getpeername(2) sockaddr into a
// net.Addr, the Go equivalent of evio's internal.SockaddrToAddr helper.
func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port, Zone: zoneName(sa.ZoneId)}
	default:
		return nil
	}
}

func zoneName(id uint32) string {
	if id == 0 {
		return ""
	}
	if iface, err := net.InterfaceByIndex(int(id)); err == nil {
		return iface.Name
	}
	return ""
}

// setNoDelay toggles TCP_NODELAY on fd.
func setNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v))
}

// setKeepAlive enables SO_KEEPALIVE with the given idle interval.
func setKeepAlive(fd int, idle time.Duration) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	secs := int(idle / time.Second)
	if secs <= 0 {
		secs = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

// connectNonblocking starts a non-blocking connect(2) to addr, returning the
// new socket fd immediately; completion is detected by the caller via the
// fd becoming writable (see Connector).
func connectNonblocking(network, addr string) (fd int, err error) {
	raddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return -1, err
	}
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := raddr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: raddr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: raddr.Port}
		copy(sa6.Addr[:], raddr.IP.To16())
		sa = sa6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, os.NewSyscallError("connect", err)
	}
	return fd, nil
}

// socketError reads and clears SO_ERROR, the standard way to learn whether
// a non-blocking connect completed successfully once the fd is writable.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return sockaddrToAddr(sa)
}

func peerAddr(fd int) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return sockaddrToAddr(sa)
}
