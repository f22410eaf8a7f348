package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/proxy/headers"
	"github.com/aluko123/adblock-proxy/proxy/netx"
)

// MaxBlanks is the number of empty lines tolerated before a request line.
const MaxBlanks = 10

// Request is one HTTP transaction on a client connection. A single Request
// is reused for every transaction on the same socket.
type Request struct {
	server *Server
	conn   *netx.TimeoutConn
	r      *bufio.Reader
	w      *bufio.Writer
	ctx    context.Context
	log    *slog.Logger
	connID string

	method   string
	url      string
	query    string
	protocol string
	version  int
	header   headers.Table
	body     []byte
	chunked  bool
	consumed bool

	status      int
	phrase      string
	respHeader  headers.Table
	headersSent bool
	rewritten   bool

	keepAlive    bool
	connHeader   string
	requestsLeft int
	served       int
	started      bool
	hijacked     bool
	startTime    time.Time

	props map[string]string

	connCtx context.Context
	connLog *slog.Logger
}

func newRequest(s *Server, ctx context.Context, c net.Conn, log *slog.Logger, id string) *Request {
	tc := netx.NewTimeoutConn(c, s.cfg.Timeout)
	return &Request{
		server:       s,
		conn:         tc,
		r:            bufio.NewReaderSize(tc, s.cfg.BufferSize),
		w:            bufio.NewWriterSize(tc, s.cfg.BufferSize),
		ctx:          ctx,
		log:          log,
		connCtx:      ctx,
		connLog:      log,
		connID:       id,
		requestsLeft: s.cfg.MaxRequests,
		props:        make(map[string]string),
	}
}

func (r *Request) reset() {
	r.method, r.url, r.query = "", "", ""
	r.protocol, r.version = "HTTP/1.1", 11
	r.header.Clear()
	r.body = nil
	r.chunked, r.consumed = false, false
	r.status, r.phrase = http.StatusOK, ""
	r.respHeader.Clear()
	r.headersSent, r.rewritten = false, false
	r.keepAlive = false
	r.connHeader = "Connection"
	r.started = false
	r.ctx, r.log = r.connCtx, r.connLog
	clear(r.props)
}

// readRequest parses the next request off the socket.
func (r *Request) readRequest() error {
	r.reset()
	r.requestsLeft--

	limit := r.server.cfg.LineLimit
	var line string
	for blanks := 0; ; blanks++ {
		l, err := headers.ReadLine(r.r, limit)
		if err != nil {
			if l == "" && !r.started && (err == io.EOF || netx.IsTimeout(err) || netx.IsPeerClosed(err)) {
				return errNoRequest
			}
			if err == headers.ErrLineTooLong {
				r.started = true
				return protocolError(http.StatusBadRequest, "request line too long")
			}
			if l != "" {
				r.started = true
			}
			return err
		}
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
		if blanks >= MaxBlanks {
			r.started = true
			return protocolError(http.StatusBadRequest, "too many blank lines before request")
		}
	}
	r.started = true
	r.startTime = time.Now()
	r.served++

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return protocolError(http.StatusBadRequest, "malformed request line %q", line)
	}
	r.method = fields[0]
	r.url = fields[1]
	switch fields[2] {
	case "HTTP/1.1":
		r.protocol, r.version = "HTTP/1.1", 11
	case "HTTP/1.0":
		r.protocol, r.version = "HTTP/1.0", 10
	default:
		return protocolError(http.StatusHTTPVersionNotSupported, "unsupported version %q", fields[2])
	}
	if i := strings.IndexByte(r.url, '?'); i >= 0 {
		r.query = r.url[i+1:]
		r.url = r.url[:i]
	}
	r.props["url.orig"] = r.url

	if err := r.header.ReadFrom(r.r, limit, headers.MaxLines, false); err != nil {
		if err == headers.ErrLineTooLong || err == headers.ErrTooManyHeaders {
			return protocolError(http.StatusBadRequest, "%v", err)
		}
		return err
	}

	if r.header.Has("Proxy-Connection") {
		r.connHeader = "Proxy-Connection"
	}
	conn := r.header.GetAll(r.connHeader)
	switch {
	case httpguts.HeaderValuesContainsToken(conn, "close"):
		r.keepAlive = false
	case httpguts.HeaderValuesContainsToken(conn, "keep-alive"):
		r.keepAlive = true
	default:
		r.keepAlive = r.version >= 11
	}

	r.chunked = httpguts.HeaderValuesContainsToken(r.header.GetAll("Transfer-Encoding"), "chunked")
	if !r.chunked {
		if err := r.readBody(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Request) readBody() error {
	cl, ok := r.header.Lookup("Content-Length")
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return protocolError(http.StatusLengthRequired, "bad Content-Length %q", cl)
	}
	if n > r.server.cfg.MaxBody {
		return protocolError(http.StatusRequestEntityTooLarge, "body of %d bytes exceeds %d", n, r.server.cfg.MaxBody)
	}
	body, err := allocBody(n)
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(r.r, body); err != nil {
		return err
	}
	r.body = body
	return nil
}

// allocBody turns a failed allocation into a 413 instead of a crash.
func allocBody(n int64) (b []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			b, err = nil, protocolError(http.StatusRequestEntityTooLarge, "cannot allocate %d bytes", n)
		}
	}()
	return make([]byte, n), nil
}

// shouldKeepAlive reports whether another request may follow on this socket.
func (r *Request) shouldKeepAlive() bool {
	return r.keepAlive && r.requestsLeft > 0 && !r.hijacked
}

func (r *Request) Method() string   { return r.method }
func (r *Request) URL() string      { return r.url }
func (r *Request) Query() string    { return r.query }
func (r *Request) Protocol() string { return r.protocol }

// Version is 10 for HTTP/1.0 and 11 for HTTP/1.1.
func (r *Request) Version() int { return r.version }

// SetURL replaces the request target, e.g. to turn a transparent request
// into an absolute one.
func (r *Request) SetURL(u string) { r.url = u }

// Header returns the request headers.
func (r *Request) Header() *headers.Table { return &r.header }

// ResponseHeader returns the headers that SendHeaders will emit.
func (r *Request) ResponseHeader() *headers.Table { return &r.respHeader }

// Body returns the buffered request body, nil when there was none or when
// the body is chunked.
func (r *Request) Body() []byte { return r.body }

func (r *Request) BodyReader() io.Reader { return bytes.NewReader(r.body) }

// Chunked reports whether the request body uses chunked transfer coding.
func (r *Request) Chunked() bool { return r.chunked }

// ChunkedSource hands out the client stream positioned at the start of a
// chunked body. The caller must consume the whole body.
func (r *Request) ChunkedSource() (*bufio.Reader, bool) {
	if !r.chunked {
		return nil, false
	}
	r.consumed = true
	return r.r, true
}

func (r *Request) KeepAlive() bool { return r.keepAlive }

func (r *Request) SetKeepAlive(v bool) { r.keepAlive = v }

// ConnectionHeader is "Proxy-Connection" when the client used it, otherwise
// "Connection". The response echoes the same header.
func (r *Request) ConnectionHeader() string { return r.connHeader }

func (r *Request) SetConnectionHeader(name string) { r.connHeader = name }

// Prop looks a property up in the request layer first and then in the
// server's base layer.
func (r *Request) Prop(key string) (string, bool) {
	if v, ok := r.props[key]; ok {
		return v, true
	}
	return r.server.cfg.Props.Get(key)
}

// SetProp sets a property visible for the rest of this request only.
func (r *Request) SetProp(key, value string) { r.props[key] = value }

// Props returns the server properties with this request's values on top.
func (r *Request) Props() config.Props {
	return r.server.cfg.Props.Layer(r.props)
}

func (r *Request) Context() context.Context { return r.ctx }

func (r *Request) Log() *slog.Logger { return r.log }

// SetContext replaces the context for the remainder of this request.
func (r *Request) SetContext(ctx context.Context) { r.ctx = ctx }

// SetLog replaces the logger for the remainder of this request.
func (r *Request) SetLog(l *slog.Logger) { r.log = l }

func (r *Request) ConnID() string { return r.connID }

// ServerName is the configured product name sent in the Server header.
func (r *Request) ServerName() string { return r.server.cfg.Name }

func (r *Request) Conn() net.Conn { return r.conn }

func (r *Request) RemoteAddr() string { return r.conn.RemoteAddr().String() }

// ReuseCount is the number of earlier requests served on this socket.
func (r *Request) ReuseCount() int {
	if r.served == 0 {
		return 0
	}
	return r.served - 1
}

func (r *Request) StartTime() time.Time { return r.startTime }

// Hijack takes the socket over from the connection loop. Buffered output is
// flushed, the I/O timeout is lifted, and the connection closes once the
// handler returns. The reader may hold bytes the client already sent.
func (r *Request) Hijack() (net.Conn, *bufio.Reader, error) {
	if err := r.w.Flush(); err != nil {
		return nil, nil, err
	}
	r.conn.SetTimeout(0)
	r.hijacked = true
	r.headersSent = true
	r.keepAlive = false
	return r.conn, r.r, nil
}

// ServerURL is the absolute URL prefix clients used to reach this server.
func (r *Request) ServerURL() string {
	host := r.header.Get("Host")
	if host == "" {
		host = r.conn.LocalAddr().String()
	}
	return "http://" + host
}

// QueryValues decodes the query string merged with a form-encoded body.
func (r *Request) QueryValues() url.Values {
	v, _ := url.ParseQuery(r.query)
	if v == nil {
		v = url.Values{}
	}
	ct := r.header.Get("Content-Type")
	if len(r.body) > 0 && strings.HasPrefix(strings.ToLower(ct), "application/x-www-form-urlencoded") {
		if form, err := url.ParseQuery(string(r.body)); err == nil {
			for k, vs := range form {
				v[k] = append(v[k], vs...)
			}
		}
	}
	return v
}

func (r *Request) String() string {
	target := r.url
	if r.query != "" {
		target += "?" + r.query
	}
	return fmt.Sprintf("%s %s %s from %s", r.method, target, r.protocol, r.RemoteAddr())
}
