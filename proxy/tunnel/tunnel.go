// Package tunnel answers CONNECT requests by relaying raw bytes between the
// client and the target, or an upstream proxy, until both sides finish.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/pkg/metrics"
	"github.com/aluko123/adblock-proxy/proxy/handler"
	"github.com/aluko123/adblock-proxy/proxy/netx"
	"github.com/aluko123/adblock-proxy/proxy/server"
)

// Config holds tunnel configuration
type Config struct {
	DialTimeout time.Duration
	// ProxyHost and ProxyPort name an upstream proxy that receives the
	// CONNECT request itself. Empty dials the target directly.
	ProxyHost string
	ProxyPort int
	Auth      string
}

// DefaultConfig returns the default tunnel configuration
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		ProxyPort:   80,
	}
}

// Blocker refuses tunnels to matching targets.
type Blocker interface {
	Matches(url, query, referer, accept string) bool
}

// Handler relays CONNECT requests.
type Handler struct {
	cfg     Config
	blocker Blocker
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	log     *slog.Logger
}

// New returns a tunnel handler. blocker may be nil.
func New(cfg Config, blocker Blocker, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	return &Handler{cfg: cfg, blocker: blocker, dial: d.DialContext, log: log}
}

func (h *Handler) Respond(r *server.Request) (bool, error) {
	if r.Method() != http.MethodConnect {
		return false, nil
	}
	target := r.URL()
	if _, _, err := net.SplitHostPort(target); err != nil {
		return true, r.SendError(http.StatusBadRequest, "Bad CONNECT target", err.Error())
	}
	if h.blocker != nil && h.blocker.Matches(target, "", r.Header().Get("Referer"), "") {
		metrics.BlockedRequests.Inc()
		return true, r.SendError(http.StatusForbidden, "Forbidden", "blocked tunnel to "+target)
	}

	addr := target
	upstream := h.cfg.ProxyHost != ""
	if upstream {
		addr = net.JoinHostPort(h.cfg.ProxyHost, strconv.Itoa(h.cfg.ProxyPort))
	}
	dest, err := h.dial(r.Context(), "tcp", addr)
	if err != nil {
		return true, r.SendError(http.StatusInternalServerError, "SSL connection failure", err.Error())
	}
	defer dest.Close()
	r.Log().Debug("tunnel opened", "target", target, "via", addr)

	if upstream {
		// the upstream proxy answers the client itself
		if h.cfg.Auth != "" {
			r.Header().Add("Proxy-Authorization", h.cfg.Auth)
		}
		if err := writeConnect(dest, r); err != nil {
			return true, r.SendError(http.StatusInternalServerError, "SSL connection failure", err.Error())
		}
	}

	client, br, err := r.Hijack()
	if err != nil {
		return true, err
	}
	if !upstream {
		if _, err := io.WriteString(client, r.Protocol()+" 200 Connection established\r\n\r\n"); err != nil {
			return true, err
		}
	}

	up, down := relay(client, br, dest)
	r.Log().Debug("tunnel closed", "target", target, "sent", up, "received", down)
	return true, nil
}

func writeConnect(dest net.Conn, r *server.Request) error {
	w := bufio.NewWriter(dest)
	fmt.Fprintf(w, "%s %s %s\r\n", r.Method(), r.URL(), r.Protocol())
	r.Header().WriteTo(w)
	w.WriteString("\r\n")
	return w.Flush()
}

// relay copies both directions, half-closing each destination when its
// source ends. It returns once both directions are done.
func relay(client net.Conn, clientR io.Reader, dest net.Conn) (up, down int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		up = transfer(dest, clientR, client)
	}()
	go func() {
		defer wg.Done()
		down = transfer(client, dest, dest)
	}()
	wg.Wait()
	return up, down
}

// transfer copies src to dst. On a clean end of input dst is half-closed;
// on a failure both sockets are torn down so the other direction ends too.
func transfer(dst net.Conn, src io.Reader, srcConn net.Conn) int64 {
	n, err := io.Copy(dst, src)
	if err != nil && !netx.IsPeerClosed(err) {
		dst.Close()
		srcConn.Close()
		return n
	}
	netx.CloseWrite(dst)
	return n
}

// Factory builds tunnel handlers from proxyHost, proxyPort, auth and
// dialTimeout properties.
func Factory(blocker Blocker) handler.Factory {
	return func(b *handler.Builder, name string, props config.Props) (server.Handler, error) {
		cfg := DefaultConfig()
		cfg.ProxyHost = props.String("proxyHost", "")
		cfg.ProxyPort = props.Int("proxyPort", cfg.ProxyPort)
		cfg.Auth = props.String("auth", "")
		cfg.DialTimeout = props.Duration("dialTimeout", cfg.DialTimeout)
		bl := blocker
		if props.Bool("noFilter", false) {
			bl = nil
		}
		return New(cfg, bl, b.Log().With("handler", name)), nil
	}
}
