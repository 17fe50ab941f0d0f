//go:build linux

package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is a connected RFCOMM socket.
type Conn struct {
	*os.File
	local  Addr
	remote Addr
}

// LocalAddr returns the local adapter address.
func (c *Conn) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// past is used to interrupt blocked socket calls.
var past = time.Unix(1, 0)

func socket() (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, fmt.Errorf("rfcomm socket: %w", err)
	}
	return fd, nil
}

func sockaddr(a Addr, channel uint8) *unix.SockaddrRFCOMM {
	return &unix.SockaddrRFCOMM{Addr: a.reversed(), Channel: channel}
}

func fromSockaddr(sa unix.Sockaddr) Addr {
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		return Addr{}
	}
	var a Addr
	for i := range a {
		a[i] = rc.Addr[len(a)-1-i]
	}
	return a
}

func newConn(fd int, name string) *Conn {
	c := &Conn{File: os.NewFile(uintptr(fd), name)}
	if sa, err := unix.Getsockname(fd); err == nil {
		c.local = fromSockaddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		c.remote = fromSockaddr(sa)
	}
	return c
}

// Dial connects to channel on the device at addr. Cancelling ctx aborts a
// pending connect.
func Dial(ctx context.Context, addr Addr, channel uint8) (*Conn, error) {
	if err := validChannel(channel); err != nil {
		return nil, err
	}
	fd, err := socket()
	if err != nil {
		return nil, err
	}

	err = unix.Connect(fd, sockaddr(addr, channel))
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), "rfcomm:"+addr.String())
	if err != nil {
		if err := waitConnected(ctx, f); err != nil {
			f.Close()
			return nil, fmt.Errorf("rfcomm connect %s: %w", addr, err)
		}
	}

	c := &Conn{File: f, remote: addr}
	if sa, err := unix.Getsockname(fd); err == nil {
		c.local = fromSockaddr(sa)
	}
	return c, nil
}

// waitConnected blocks until a non-blocking connect on f completes.
func waitConnected(ctx context.Context, f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { f.SetWriteDeadline(past) })
	defer stop()

	var soErr error
	polled := false
	werr := rc.Write(func(fd uintptr) bool {
		if !polled {
			polled = true
			return false
		}
		n, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			soErr = err
			return true
		}
		if n != 0 {
			soErr = unix.Errno(n)
		}
		return true
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if werr != nil {
		return werr
	}
	return soErr
}

// Listener accepts RFCOMM connections on one channel.
type Listener struct {
	f       *os.File
	channel uint8
}

// Listen binds channel on every local adapter.
func Listen(channel uint8) (*Listener, error) {
	if err := validChannel(channel); err != nil {
		return nil, err
	}
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, sockaddr(Addr{}, channel)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm bind channel %d: %w", channel, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm listen: %w", err)
	}
	return &Listener{
		f:       os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm-listener:%d", channel)),
		channel: channel,
	}, nil
}

// Channel returns the bound RFCOMM channel.
func (l *Listener) Channel() uint8 { return l.channel }

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	rc, err := l.f.SyscallConn()
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { l.f.SetReadDeadline(past) })
	defer stop()

	nfd := -1
	var acceptErr error
	rerr := rc.Read(func(fd uintptr) bool {
		nfd, _, acceptErr = unix.Accept4(int(fd), unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		return !errors.Is(acceptErr, unix.EAGAIN)
	})
	if ctx.Err() != nil {
		l.f.SetReadDeadline(time.Time{})
		if nfd >= 0 && acceptErr == nil {
			unix.Close(nfd)
		}
		return nil, ctx.Err()
	}
	if rerr != nil {
		return nil, rerr
	}
	if acceptErr != nil {
		return nil, fmt.Errorf("rfcomm accept: %w", acceptErr)
	}
	return newConn(nfd, "rfcomm"), nil
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.f.Close()
}
