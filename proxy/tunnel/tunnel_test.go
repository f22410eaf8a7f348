package tunnel

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/proxy/handler"
	"github.com/aluko123/adblock-proxy/proxy/server"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type blockHosts []string

func (b blockHosts) Matches(url, query, referer, accept string) bool {
	for _, h := range b {
		if strings.HasPrefix(url, h+":") {
			return true
		}
	}
	return false
}

// startEcho echoes every connection until the client half-closes. prelude,
// when set, handles the start of each connection first.
func startEcho(t *testing.T, prelude func(c net.Conn, br *bufio.Reader) bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				c.SetDeadline(time.Now().Add(5 * time.Second))
				br := bufio.NewReader(c)
				if prelude != nil && !prelude(c, br) {
					return
				}
				io.Copy(c, br)
			}()
		}
	}()
	return ln.Addr().String()
}

func startProxy(t *testing.T, h server.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := server.New(server.DefaultConfig(), h, quiet)
	go s.Serve(context.Background(), ln)
	t.Cleanup(s.Stop)
	return ln.Addr().String()
}

func connect(t *testing.T, proxy, raw string) (*net.TCPConn, *bufio.Reader) {
	t.Helper()
	c, err := net.Dial("tcp", proxy)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(c, raw)
	require.NoError(t, err)
	return c.(*net.TCPConn), bufio.NewReader(c)
}

func TestTunnelRelaysBothWays(t *testing.T) {
	target := startEcho(t, nil)
	proxy := startProxy(t, New(DefaultConfig(), nil, quiet))

	// bytes pipelined behind the CONNECT must not be lost
	c, br := connect(t, proxy, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\nhello ")
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection established\r\n", line)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", line)

	_, err = io.WriteString(c, "world")
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(rest))
}

func TestTunnelThroughUpstreamProxy(t *testing.T) {
	got := make(chan *http.Request, 1)
	upstream := startEcho(t, func(c net.Conn, br *bufio.Reader) bool {
		req, err := http.ReadRequest(br)
		if err != nil {
			return false
		}
		got <- req
		_, err = io.WriteString(c, "HTTP/1.0 200 Tunnel ready\r\n\r\n")
		return err == nil
	})
	host, port, err := net.SplitHostPort(upstream)
	require.NoError(t, err)

	reg := handler.NewRegistry()
	reg.Register("tunnel", Factory(nil))
	b := handler.NewBuilder(reg, []config.HandlerConfig{{
		Name: "https",
		Type: "tunnel",
		Props: map[string]string{
			"proxyHost": host,
			"proxyPort": port,
			"auth":      "Basic eDp5",
		},
	}}, config.NewProps(nil), quiet)
	h, err := b.Build("https")
	require.NoError(t, err)

	c, br := connect(t, startProxy(t, h), "CONNECT secure.test:443 HTTP/1.1\r\nHost: secure.test:443\r\n\r\n")
	req := <-got
	assert.Equal(t, "CONNECT", req.Method)
	assert.Equal(t, "secure.test:443", req.Host)
	assert.Equal(t, "Basic eDp5", req.Header.Get("Proxy-Authorization"))

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0 200 Tunnel ready\r\n", line)

	io.WriteString(c, "ping")
	c.CloseWrite()
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "\r\nping", string(rest))
}

func TestTunnelErrors(t *testing.T) {
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refused := closed.Addr().String()
	closed.Close()

	proxy := startProxy(t, New(DefaultConfig(), blockHosts{"ads.test"}, quiet))
	tests := []struct {
		name   string
		target string
		code   int
		msg    string
	}{
		{"dial failure", refused, http.StatusInternalServerError, "SSL connection failure"},
		{"blocked", "ads.test:443", http.StatusForbidden, "Forbidden"},
		{"no port", "secure.test", http.StatusBadRequest, "Bad CONNECT target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, br := connect(t, proxy, "CONNECT "+tt.target+" HTTP/1.1\r\nHost: x\r\n\r\n")
			resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Contains(t, string(body), tt.msg)
		})
	}
}

func TestNonConnectIsNotHandled(t *testing.T) {
	proxy := startProxy(t, New(DefaultConfig(), nil, quiet))
	_, br := connect(t, proxy, "GET http://plain.test/ HTTP/1.1\r\nHost: plain.test\r\n\r\n")
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFactoryNoFilter(t *testing.T) {
	f := Factory(blockHosts{"ads.test"})
	b := handler.NewBuilder(handler.NewRegistry(), nil, config.NewProps(nil), quiet)

	h, err := f(b, "https", config.NewProps(map[string]string{"noFilter": "true"}))
	require.NoError(t, err)
	assert.Nil(t, h.(*Handler).blocker)

	h, err = f(b, "https2", config.NewProps(nil))
	require.NoError(t, err)
	assert.NotNil(t, h.(*Handler).blocker)
}
