//go:build unix

// Package socket does single non-blocking reads and writes on a connected stream socket.
package socket

import (
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socket wraps the file descriptor of a connection. Read and Write never wait for readiness;
// they return zero bytes when the kernel buffer is empty or full.
type Socket struct {
	conn syscall.Conn
	rc   syscall.RawConn
	fd   int
}

// New returns a Socket for conn. The connection's descriptor must be in non-blocking mode,
// which is the case for every connection created by the net package.
func New(conn syscall.Conn) (*Socket, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	s := &Socket{conn: conn, rc: rc}
	err = rc.Control(func(fd uintptr) { s.fd = int(fd) })
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Pair returns two connected sockets.
func Pair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	a, err := fromFd(fds[0], "pair-a")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fromFd(fds[1], "pair-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fromFd(fd int, name string) (*Socket, error) {
	f := os.NewFile(uintptr(fd), name)
	// FileConn dups the descriptor and puts the copy in non-blocking mode.
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	s, err := New(conn.(syscall.Conn))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Fd returns the descriptor to be watched for readiness.
func (s *Socket) Fd() int { return s.fd }

// Read reads once from the socket. io.EOF is returned when the peer closed the connection.
func (s *Socket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var serr error
	err := s.rc.Read(func(fd uintptr) bool {
		n, serr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	switch {
	case serr == unix.EAGAIN || serr == unix.EINTR:
		return 0, nil
	case serr != nil:
		return 0, os.NewSyscallError("read", serr)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// Write writes once to the socket.
func (s *Socket) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var serr error
	err := s.rc.Write(func(fd uintptr) bool {
		n, serr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	switch {
	case serr == unix.EAGAIN || serr == unix.EINTR:
		return 0, nil
	case serr != nil:
		return 0, os.NewSyscallError("write", serr)
	}
	return n, nil
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	if c, ok := s.conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
