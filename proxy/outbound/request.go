// Package outbound issues HTTP/1.1 requests to origin servers or an upstream
// proxy over pooled persistent connections and exposes each response body as
// a plain stream, whatever its framing.
package outbound

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/pkg/metrics"
	"github.com/aluko123/adblock-proxy/proxy/chunked"
	"github.com/aluko123/adblock-proxy/proxy/headers"
)

// Client creates requests that share a pool and protocol limits.
type Client struct {
	Pool *Pool
	// LineLimit bounds status, header and chunk-size lines.
	LineLimit int
	// DrainTimeout bounds the background read of an abandoned body.
	DrainTimeout time.Duration
	// Proxy, when set, is the default upstream proxy as "host:port".
	Proxy string
	Log   *slog.Logger
}

// Request is one HTTP transaction with a remote host. Method, proxy and
// headers can only change before Connect.
type Request struct {
	client *Client
	log    *slog.Logger

	url       *url.URL
	host      string
	port      int
	proxyHost string
	proxyPort int

	method     string
	header     headers.Table
	body       *bytes.Buffer
	chunkSrc   *bufio.Reader
	chunkUsed  bool
	connHeader string
	uri        string

	connected bool
	connErr   error
	conn      *Conn
	stopWatch func() bool
	closed    bool

	status     string
	respHeader headers.Table
	keepAlive  bool
	framed     io.Reader
	chunks     *chunked.Reader
	eof        bool
}

// NewRequest prepares a request for rawURL, which must use the http scheme.
func (c *Client) NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "http") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, rawURL)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("parse url: no host in %q", rawURL)
	}
	port := 80
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("parse url: bad port in %q", rawURL)
		}
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	r := &Request{
		client: c,
		log:    log,
		url:    u,
		host:   strings.ToLower(u.Hostname()),
		port:   port,
	}
	if c.Proxy != "" {
		h, p, err := splitHostPort(c.Proxy)
		if err != nil {
			return nil, err
		}
		r.proxyHost, r.proxyPort = h, p
	}
	return r, nil
}

func splitHostPort(hp string) (string, int, error) {
	h, ps, err := net.SplitHostPort(hp)
	if err != nil {
		return "", 0, fmt.Errorf("proxy address %q: %w", hp, err)
	}
	p, err := strconv.Atoi(ps)
	if err != nil {
		return "", 0, fmt.Errorf("proxy address %q: bad port", hp)
	}
	return h, p, nil
}

func (r *Request) lineLimit() int {
	if r.client.LineLimit > 0 {
		return r.client.LineLimit
	}
	return chunked.DefaultLineLimit
}

// URL returns the target URL.
func (r *Request) URL() *url.URL { return r.url }

// SetMethod overrides the default of POST with a body and GET without.
func (r *Request) SetMethod(m string) error {
	if r.connected {
		return ErrAlreadySent
	}
	r.method = m
	return nil
}

// SetProxy routes the request through host:port. An empty host goes direct.
func (r *Request) SetProxy(host string, port int) error {
	if r.connected {
		return ErrAlreadySent
	}
	r.proxyHost, r.proxyPort = host, port
	return nil
}

func (r *Request) SetHeader(key, value string) error {
	if r.connected {
		return ErrAlreadySent
	}
	r.header.Set(key, value)
	return nil
}

// AddHeaders copies every field of t into the request headers.
func (r *Request) AddHeaders(t *headers.Table) error {
	if r.connected {
		return ErrAlreadySent
	}
	t.CopyTo(&r.header)
	return nil
}

// AddPropHeaders sets a header for every token in tokens whose
// "<token>.name" and "<token>.value" properties are both present, and
// returns how many were set.
func (r *Request) AddPropHeaders(tokens string, props config.Props) int {
	if r.connected {
		return 0
	}
	n := 0
	for _, tok := range strings.Fields(tokens) {
		name, ok1 := props.Get(tok + ".name")
		value, ok2 := props.Get(tok + ".value")
		if ok1 && ok2 {
			r.header.Set(name, value)
			n++
		}
	}
	return n
}

// Header returns the request headers. After Connect it returns a copy.
func (r *Request) Header() *headers.Table {
	if r.connected {
		return r.header.Clone()
	}
	return &r.header
}

// Body returns a buffer for the request body. Using it makes the default
// method POST and adds a Content-Length.
func (r *Request) Body() io.Writer {
	if r.body == nil {
		r.body = new(bytes.Buffer)
	}
	if r.connected {
		return io.Discard
	}
	return r.body
}

// SetChunkedSource relays a chunked body from src as the request body.
func (r *Request) SetChunkedSource(src *bufio.Reader) error {
	if r.connected {
		return ErrAlreadySent
	}
	r.chunkSrc = src
	return nil
}

// Connect sends the request and reads the response status and headers. It
// is idempotent: later calls return the first call's result. A failure on
// a reused connection is retried once on a fresh one.
func (r *Request) Connect(ctx context.Context) error {
	if r.connected {
		return r.connErr
	}
	r.connected = true
	r.prepareHeaders()

	reused, err := r.attempt(ctx, true)
	if err != nil && reused && !r.chunkUsed && ctx.Err() == nil {
		metrics.OutboundRetries.Inc()
		r.log.Debug("send on reused connection failed, retrying on a fresh one", "url", r.url.String(), "error", err)
		if _, err2 := r.attempt(ctx, false); err2 != nil {
			err = &RetryError{First: err, Second: err2}
		} else {
			err = nil
		}
	}
	r.connErr = err
	return err
}

func (r *Request) prepareHeaders() {
	if r.body != nil {
		if r.method == "" {
			r.method = "POST"
		}
		r.header.Set("Content-Length", strconv.Itoa(r.body.Len()))
	}
	if r.chunkSrc != nil {
		r.header.RemoveAll("Content-Length")
		r.header.Set("Transfer-Encoding", "chunked")
	}
	if r.method == "" {
		r.method = "GET"
	}
	if r.proxyHost == "" {
		r.uri = r.url.RequestURI()
		r.connHeader = "Connection"
	} else {
		u := *r.url
		u.Fragment = ""
		r.uri = u.String()
		r.connHeader = "Proxy-Connection"
	}
	r.header.SetIfAbsent(r.connHeader, "Keep-Alive")
	host := r.host
	if r.port != 80 {
		host = net.JoinHostPort(r.host, strconv.Itoa(r.port))
	}
	r.header.SetIfAbsent("Host", host)
}

// attempt performs one send/receive cycle. It reports whether the
// connection it used had carried an earlier request.
func (r *Request) attempt(ctx context.Context, reuse bool) (bool, error) {
	host, port := r.host, r.port
	if r.proxyHost != "" {
		host, port = r.proxyHost, r.proxyPort
	}
	c, err := r.client.Pool.Get(ctx, host, port, reuse)
	if err != nil {
		return false, err
	}
	r.conn = c
	r.closed = false
	r.keepAlive = true
	r.stopWatch = context.AfterFunc(ctx, func() { c.Close() })
	reused := !c.FirstTime()

	if err := r.send(c); err != nil {
		r.closeConn(false)
		return reused, err
	}
	if err := r.readStatusLine(); err != nil {
		r.closeConn(false)
		return reused, err
	}
	r.respHeader.Clear()
	if err := r.respHeader.ReadFrom(r.conn.r, r.lineLimit(), headers.MaxLines, false); err != nil {
		r.closeConn(false)
		return reused, err
	}
	r.parseResponse()
	return reused, nil
}

func (r *Request) send(c *Conn) error {
	w := c.w
	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", r.method, r.uri); err != nil {
		return err
	}
	if _, err := r.header.WriteTo(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if r.body != nil {
		if _, err := w.Write(r.body.Bytes()); err != nil {
			return err
		}
	}
	if r.chunkSrc != nil {
		r.chunkUsed = true
		if _, err := chunked.Relay(w, r.chunkSrc, r.lineLimit()); err != nil {
			return fmt.Errorf("relay chunked request body: %w", err)
		}
	}
	return w.Flush()
}

// readStatusLine reads up to the final status line. Interim 1xx responses
// other than 101 are skipped. A fresh connection whose first line is not a
// status line is taken as an HTTP/0.9 reply: the line is pushed back as the
// start of the body and a 200 is synthesized.
func (r *Request) readStatusLine() error {
	limit := r.lineLimit()
	for {
		line, err := headers.ReadLine(r.conn.r, limit)
		switch {
		case err == headers.ErrLineTooLong:
			return fmt.Errorf("%w: %w: status line exceeds %d bytes", ErrMalformedResponse, ErrLineTooLong, limit)
		case err == io.EOF:
			return fmt.Errorf("reading status line: %w", io.EOF)
		case err != nil:
			return err
		}

		switch {
		case strings.HasPrefix(line, "HTTP/1."):
			if code := statusCode(line); code >= 100 && code < 200 && code != 101 {
				var interim headers.Table
				if err := interim.ReadFrom(r.conn.r, limit, headers.MaxLines, false); err != nil {
					return err
				}
				continue
			}
			r.status = line
			return nil
		case line == "":
			continue
		case r.conn.firstTime:
			r.log.Debug("treating response as HTTP/0.9", "url", r.url.String())
			pushed := io.MultiReader(strings.NewReader("\r\n"+line+"\r\n"), r.conn.r)
			r.conn.r = bufio.NewReaderSize(pushed, limit)
			r.status = "HTTP/1.0 200 OK"
			return nil
		default:
			return fmt.Errorf("%w: %q", ErrMalformedResponse, line)
		}
	}
}

func (r *Request) parseResponse() {
	tokens := r.respHeader.GetAll(r.connHeader)
	if len(tokens) == 0 && r.connHeader != "Connection" {
		tokens = r.respHeader.GetAll("Connection")
	}
	switch {
	case httpguts.HeaderValuesContainsToken(tokens, "close"):
		r.keepAlive = false
	case httpguts.HeaderValuesContainsToken(tokens, "keep-alive"):
		r.keepAlive = true
	default:
		r.keepAlive = strings.HasPrefix(r.status, "HTTP/1.1")
	}

	br := r.conn.r
	code := r.ResponseCode()
	length := r.ContentLength()
	if code == 204 || code == 304 {
		if length != 0 {
			r.respHeader.Set("Content-Length", "0")
		}
		length = 0
	}
	chunkedBody := httpguts.HeaderValuesContainsToken(r.respHeader.GetAll("Transfer-Encoding"), "chunked")
	if chunkedBody && length != 0 && r.method != "HEAD" {
		r.chunks = chunked.NewReader(br, r.lineLimit())
		r.framed = r.chunks
		return
	}

	switch {
	case length == 0 || r.method == "HEAD":
		r.framed = eofReader{}
		r.eof = true
		r.closeConn(r.keepAlive)
	case length > 0:
		r.framed = io.LimitReader(br, length)
	default:
		r.keepAlive = false
		r.framed = br
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// closeConn gives the connection back. With reuse set and the response
// otherwise reusable, an unfinished body is drained in the background
// before the connection returns to the pool.
func (r *Request) closeConn(reuse bool) {
	c := r.conn
	if c == nil {
		return
	}
	r.conn = nil
	r.closed = true
	if r.stopWatch != nil && !r.stopWatch() {
		// the request context fired and closed the socket
		reuse = false
	}
	r.stopWatch = nil
	r.keepAlive = r.keepAlive && reuse

	switch {
	case !r.keepAlive:
		r.client.Pool.Discard(c)
	case r.eof:
		r.client.Pool.Put(c)
	default:
		go r.client.drain(c, r.framed)
	}
}

// drain reads the rest of body off c and pools c if that completes before
// the watchdog fires. The watchdog closes c, which unblocks the read.
func (cl *Client) drain(c *Conn, body io.Reader) {
	timeout := cl.DrainTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fired := make(chan struct{})
	watchdog := time.AfterFunc(timeout, func() {
		close(fired)
		c.Close()
	})
	_, err := io.Copy(io.Discard, body)
	stopped := watchdog.Stop()

	switch {
	case !stopped:
		<-fired
		metrics.PoolDrains.WithLabelValues("timeout").Inc()
		cl.Pool.Discard(c)
	case err != nil:
		metrics.PoolDrains.WithLabelValues("failed").Inc()
		cl.Pool.Discard(c)
	default:
		metrics.PoolDrains.WithLabelValues("pooled").Inc()
		cl.Pool.Put(c)
	}
}

// Response returns the response body. Reading it to the end releases the
// connection; Close or Disconnect release it early.
func (r *Request) Response() (io.Reader, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}
	if r.connErr != nil {
		return nil, r.connErr
	}
	return &bodyReader{req: r}, nil
}

type bodyReader struct {
	req *Request
}

func (b *bodyReader) Read(p []byte) (int, error) {
	r := b.req
	if r.eof {
		return 0, io.EOF
	}
	if r.closed {
		return 0, ErrBodyClosed
	}
	n, err := r.framed.Read(p)
	switch {
	case err == io.EOF:
		r.eof = true
		r.closeConn(true)
	case err != nil:
		r.closeConn(false)
	}
	return n, err
}

// Close releases the connection, pooling it when the response allows.
func (r *Request) Close() {
	r.closeConn(true)
}

// Disconnect closes the connection immediately, without draining.
func (r *Request) Disconnect() {
	r.closeConn(false)
}

// Status returns the response status line.
func (r *Request) Status() string { return r.status }

// ResponseCode parses the status code, or returns -1.
func (r *Request) ResponseCode() int {
	return statusCode(r.status)
}

func statusCode(line string) int {
	_, rest, ok := strings.Cut(line, " ")
	if !ok {
		return -1
	}
	code, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		return -1
	}
	return n
}

// Phrase returns the reason phrase of the status line.
func (r *Request) Phrase() string {
	parts := strings.SplitN(r.status, " ", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func (r *Request) ResponseHeader() *headers.Table { return &r.respHeader }

// ContentLength returns the response Content-Length, or -1.
func (r *Request) ContentLength() int64 {
	v, ok := r.respHeader.Lookup("Content-Length")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// KeepAlive reports whether the connection may be reused after this
// response.
func (r *Request) KeepAlive() bool { return r.keepAlive }

// Trailers returns the trailer headers of a chunked response once its body
// has been read, or nil.
func (r *Request) Trailers() *headers.Table {
	if r.chunks == nil || !r.chunks.Done() {
		return nil
	}
	return r.chunks.Trailers()
}

// Content connects if needed, reads the whole body and releases the
// connection.
func (r *Request) Content(ctx context.Context) ([]byte, error) {
	if err := r.Connect(ctx); err != nil {
		return nil, err
	}
	body, err := r.Response()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(body)
}

var charsetExp = regexp.MustCompile(`(?i)^text/.*;[ \t]*charset=([^ \t;]*)`)

// Encoding returns the charset of a text/* response, or "".
func (r *Request) Encoding() string {
	m := charsetExp.FindStringSubmatch(strings.TrimSpace(r.respHeader.Get("Content-Type")))
	if m == nil {
		return ""
	}
	return m[1]
}

func (r *Request) String() string {
	return r.method + " " + r.url.String()
}

// IsRetry reports whether err is a failure that already used its retry.
func IsRetry(err error) bool {
	var re *RetryError
	return errors.As(err, &re)
}
