package netx

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutConnRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tc := NewTimeoutConn(a, 20*time.Millisecond)
	_, err := tc.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsPeerClosed(err))
}

func TestTimeoutConnDisabled(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tc := NewTimeoutConn(a, 10*time.Millisecond)
	tc.SetTimeout(0)
	assert.Zero(t, tc.Timeout())

	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Write([]byte("x"))
	}()
	n, err := tc.Read(make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClassification(t *testing.T) {
	assert.True(t, IsPeerClosed(io.EOF))
	assert.True(t, IsPeerClosed(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.True(t, IsPeerClosed(&net.OpError{Op: "write", Err: syscall.EPIPE}))
	assert.False(t, IsPeerClosed(errors.New("boom")))

	assert.True(t, IsRefused(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	assert.True(t, IsUnknownHost(&net.OpError{Op: "dial", Err: &net.DNSError{Name: "nope.invalid"}}))
	assert.False(t, IsUnknownHost(io.EOF))
}

func TestCloseWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan []byte)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(done)
			return
		}
		defer c.Close()
		b, _ := io.ReadAll(c)
		done <- b
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	tc := NewTimeoutConn(c, time.Second)
	_, err = tc.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, tc.CloseWrite())
	assert.Equal(t, "hi", string(<-done))
}
