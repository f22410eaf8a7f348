// Package netx holds socket helpers shared by the inbound and outbound
// engines: a connection with a per-operation I/O timeout and error
// classification for timeouts and vanished peers.
package netx

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

// TimeoutConn re-arms a read or write deadline before every operation, so a
// timeout bounds each blocking call rather than the connection lifetime.
type TimeoutConn struct {
	net.Conn
	timeout atomic.Int64
}

func NewTimeoutConn(c net.Conn, timeout time.Duration) *TimeoutConn {
	tc := &TimeoutConn{Conn: c}
	tc.timeout.Store(int64(timeout))
	return tc
}

// SetTimeout changes the per-operation timeout. Zero disables it.
func (c *TimeoutConn) SetTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
	if d == 0 {
		c.Conn.SetDeadline(time.Time{})
	}
}

func (c *TimeoutConn) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

func (c *TimeoutConn) Read(p []byte) (int, error) {
	if d := c.Timeout(); d > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(d))
	}
	return c.Conn.Read(p)
}

func (c *TimeoutConn) Write(p []byte) (int, error) {
	if d := c.Timeout(); d > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(d))
	}
	return c.Conn.Write(p)
}

// CloseWrite half-closes the connection when the transport supports it.
func (c *TimeoutConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}

type closeWriter interface {
	CloseWrite() error
}

// CloseWrite half-closes c if possible and otherwise closes it.
func CloseWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// IsTimeout reports whether err is an I/O deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsPeerClosed reports whether err means the other side went away.
func IsPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// IsRefused reports whether a dial was actively refused.
func IsRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsUnknownHost reports whether a dial failed on name resolution.
func IsUnknownHost(err error) bool {
	var de *net.DNSError
	return errors.As(err, &de)
}
