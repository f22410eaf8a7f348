// Package handlers holds the terminal proxy handlers: the ad filter that
// relays allowed requests upstream and the transparent-mode URL rewriter.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/pkg/metrics"
	"github.com/aluko123/adblock-proxy/proxy/handler"
	"github.com/aluko123/adblock-proxy/proxy/headers"
	"github.com/aluko123/adblock-proxy/proxy/netx"
	"github.com/aluko123/adblock-proxy/proxy/outbound"
	"github.com/aluko123/adblock-proxy/proxy/server"
)

// FilterOracle decides whether a request is blocked.
type FilterOracle interface {
	Matches(url, query, referer, accept string) bool
}

// Config holds filter handler configuration
type Config struct {
	// ProxyHost and ProxyPort name an upstream proxy. Empty goes direct.
	ProxyHost string
	ProxyPort int
	// Auth is sent upstream as Proxy-Authorization.
	Auth string
	// BlockStatus answers blocked requests. 204 sends no body, any other
	// status sends BlockBody as HTML.
	BlockStatus int
	BlockBody   string
	// LogHeaders dumps request and response headers at debug level.
	LogHeaders bool
	// StripHopByHop removes point-to-point headers in both directions.
	// Off, only the response Transfer-Encoding is dropped, since the body
	// is reframed on the way to the client.
	StripHopByHop bool
}

// DefaultConfig returns the default filter configuration
func DefaultConfig() Config {
	return Config{
		ProxyPort:     80,
		BlockStatus:   http.StatusNoContent,
		StripHopByHop: true,
	}
}

// ConfigFromProps reads proxyHost, proxyPort, auth, blockStatus,
// stripHopByHop and proxylog over the defaults.
func ConfigFromProps(props config.Props) Config {
	c := DefaultConfig()
	c.ProxyHost = props.String("proxyHost", "")
	c.ProxyPort = props.Int("proxyPort", c.ProxyPort)
	c.Auth = props.String("auth", "")
	c.BlockStatus = props.Int("blockStatus", c.BlockStatus)
	c.StripHopByHop = props.Bool("stripHopByHop", c.StripHopByHop)
	_, c.LogHeaders = props.Get("proxylog")
	return c
}

// Filter blocks requests the oracle matches and relays everything else to
// the origin or upstream proxy.
type Filter struct {
	name   string
	cfg    Config
	oracle FilterOracle
	client *outbound.Client
	log    *slog.Logger

	blocked atomic.Int64
	allowed atomic.Int64
}

// NewFilter returns a filter that fetches through client.
func NewFilter(name string, cfg Config, oracle FilterOracle, client *outbound.Client, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}
	return &Filter{
		name:   name,
		cfg:    cfg,
		oracle: oracle,
		client: client,
		log:    log,
	}
}

// Stats returns the blocked and allowed request counts.
func (f *Filter) Stats() (blocked, allowed int64) {
	return f.blocked.Load(), f.allowed.Load()
}

func (f *Filter) Respond(r *server.Request) (bool, error) {
	block := f.matches(r)
	r.Log().Debug("filter decision", "handler", f.name, "blocked", block, "url", r.URL())
	if f.cfg.LogHeaders {
		r.Log().Debug("request headers\n" + dumpHeaders(r.ConnID(), r.String(), r.Header(), true))
	}

	if block {
		f.blocked.Add(1)
		metrics.BlockedRequests.Inc()
		if f.cfg.BlockStatus == http.StatusNoContent || f.cfg.BlockBody == "" {
			_, err := r.SendHeaders(f.cfg.BlockStatus, "", 0)
			return true, err
		}
		return true, r.SendResponseString(f.cfg.BlockBody, "text/html; charset=utf-8", f.cfg.BlockStatus)
	}
	f.allowed.Add(1)
	metrics.AllowedRequests.Inc()

	// only plain http is relayed here
	if !strings.HasPrefix(strings.ToLower(r.URL()), "http:") {
		return false, nil
	}
	return true, f.relay(r)
}

func (f *Filter) matches(r *server.Request) (block bool) {
	defer func() {
		if p := recover(); p != nil {
			r.Log().Error("filter oracle failed", "handler", f.name, "panic", p)
			block = false
		}
	}()
	return f.oracle.Matches(r.URL(), r.Query(), r.Header().Get("Referer"), r.Header().Get("Accept"))
}

func (f *Filter) relay(r *server.Request) error {
	url := r.URL()
	if q := r.Query(); q != "" {
		url += "?" + q
	}

	if pc, ok := r.Header().Lookup("Proxy-Connection"); ok {
		r.SetConnectionHeader("Proxy-Connection")
		r.SetKeepAlive(strings.EqualFold(strings.TrimSpace(pc), "Keep-Alive"))
	}
	if f.cfg.StripHopByHop {
		headers.RemoveHopByHop(r.Header(), false)
	}

	target, err := f.client.NewRequest(url)
	if err != nil {
		return f.fail(r, err)
	}
	defer target.Close()

	target.SetMethod(r.Method())
	target.AddHeaders(r.Header())
	if f.cfg.ProxyHost != "" {
		target.SetProxy(f.cfg.ProxyHost, f.cfg.ProxyPort)
		if f.cfg.Auth != "" {
			target.SetHeader("Proxy-Authorization", f.cfg.Auth)
		}
	}
	if body := r.Body(); len(body) > 0 {
		target.Body().Write(body)
	} else if src, ok := r.ChunkedSource(); ok {
		target.SetChunkedSource(src)
	}

	if err := target.Connect(r.Context()); err != nil {
		return f.fail(r, err)
	}
	if f.cfg.LogHeaders {
		r.Log().Debug("response headers\n      " + target.Status() + "\n" +
			dumpHeaders(r.ConnID(), "", target.ResponseHeader(), false))
	}

	code := target.ResponseCode()
	if code < 100 || code > 999 {
		return f.fail(r, fmt.Errorf("%w: %q", outbound.ErrMalformedResponse, target.Status()))
	}
	if f.cfg.StripHopByHop {
		headers.RemoveHopByHop(target.ResponseHeader(), true)
	} else {
		target.ResponseHeader().RemoveAll("Transfer-Encoding")
	}
	r.SetStatusPhrase(code, target.Phrase())
	target.ResponseHeader().CopyTo(r.ResponseHeader())
	r.AddHeader("Via", f.via(r, target.Status()))

	length := target.ContentLength()
	if length == 0 {
		// SendHeaders with a zero length would turn 200 into 204
		_, err := r.SendHeaders(-1, "", -1)
		return err
	}
	body, err := target.Response()
	if err != nil {
		return f.fail(r, err)
	}
	if err := r.SendStream(body, length, "", -1); err != nil {
		target.Disconnect()
		return f.fail(r, err)
	}
	return nil
}

// via builds the Via value: the upstream protocol followed by this proxy's
// address and name.
func (f *Filter) via(r *server.Request, status string) string {
	host := "localhost"
	port := ""
	if a, ok := r.Conn().LocalAddr().(*net.TCPAddr); ok {
		host = a.IP.String()
		port = strconv.Itoa(a.Port)
	}
	v := " " + net.JoinHostPort(host, port) + " (" + r.ServerName() + ")"
	if len(status) >= 8 {
		return status[:8] + v
	}
	return strings.TrimSpace(v)
}

// fail maps an upstream failure to an error page. Once headers are out the
// error is returned so the connection gets closed.
func (f *Filter) fail(r *server.Request, err error) error {
	if r.HeadersSent() {
		return err
	}
	code, msg := http.StatusInternalServerError, ""
	switch {
	case netx.IsTimeout(err):
		code, msg = http.StatusRequestTimeout, "Timeout / No response"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		msg = "No response"
	case netx.IsUnknownHost(err):
		msg = "Unknown host"
	case netx.IsRefused(err):
		msg = "Connection refused"
	default:
		msg = "Error from proxy: " + err.Error()
	}
	return r.SendError(code, msg, err.Error())
}

// dumpHeaders renders headers one per line behind a "> " (sent) or "< "
// (received) prompt.
func dumpHeaders(label, first string, t *headers.Table, sent bool) string {
	prompt := label + "< "
	if sent {
		prompt = label + "> "
	}
	var sb strings.Builder
	if first != "" {
		sb.WriteString(prompt + first + "\n")
	}
	t.Each(func(k, v string) {
		fmt.Fprintf(&sb, "%s%s: %s\n", prompt, k, v)
	})
	return sb.String()
}

// FilterFactory registers filters that consult oracle and fetch through
// client.
func FilterFactory(oracle FilterOracle, client *outbound.Client, blockBody string) handler.Factory {
	return func(b *handler.Builder, name string, props config.Props) (server.Handler, error) {
		if oracle == nil || client == nil {
			return nil, fmt.Errorf("filter %q: no oracle or client configured", name)
		}
		cfg := ConfigFromProps(props)
		if cfg.BlockStatus != http.StatusNoContent {
			cfg.BlockBody = blockBody
		}
		return NewFilter(name, cfg, oracle, client, b.Log().With("handler", name)), nil
	}
}
