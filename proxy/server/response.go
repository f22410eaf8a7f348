package server

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aluko123/adblock-proxy/proxy/chunked"
)

// SetStatus sets the status sent by the next SendHeaders call that does not
// name one explicitly.
func (r *Request) SetStatus(code int) {
	r.status, r.phrase = code, ""
}

// SetStatusPhrase sets the status with a custom reason phrase, used when
// relaying an origin's status line verbatim.
func (r *Request) SetStatusPhrase(code int, phrase string) {
	r.status, r.phrase = code, phrase
}

func (r *Request) Status() int { return r.status }

// HeadersSent reports whether the response status line has been written.
func (r *Request) HeadersSent() bool { return r.headersSent }

// StatusRewritten reports whether SendHeaders replaced a 200 with a 204
// because the body was empty.
func (r *Request) StatusRewritten() bool { return r.rewritten }

// AddHeader appends a response header.
func (r *Request) AddHeader(key, value string) {
	r.respHeader.Add(key, value)
}

// bodyAllowed reports whether a response with status code may carry a body.
func (r *Request) bodyAllowed(code int) bool {
	if r.method == http.MethodHead {
		return false
	}
	return code >= 200 && code != http.StatusNoContent && code != http.StatusNotModified
}

// SendHeaders writes the status line and response headers. A code of -1
// keeps the status set earlier; a length of -1 omits Content-Length. A 200
// with a zero length goes out as 204, which is reported by the returned
// bool.
func (r *Request) SendHeaders(code int, contentType string, length int64) (bool, error) {
	if r.headersSent {
		return false, ErrHeadersSent
	}
	if code >= 0 {
		r.SetStatus(code)
	}
	rewritten := false
	if length == 0 && r.status == http.StatusOK {
		r.SetStatus(http.StatusNoContent)
		rewritten = true
	}
	r.rewritten = rewritten

	h := &r.respHeader
	h.SetIfAbsent("Date", time.Now().UTC().Format(http.TimeFormat))
	h.SetIfAbsent("Server", r.server.cfg.Name)
	if r.shouldKeepAlive() {
		h.Set(r.connHeader, "Keep-Alive")
	} else {
		h.Set(r.connHeader, "close")
	}
	if length >= 0 {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	if contentType != "" {
		h.SetIfAbsent("Content-Type", contentType)
	}

	phrase := r.phrase
	if phrase == "" {
		phrase = http.StatusText(r.status)
	}
	if _, err := fmt.Fprintf(r.w, "%s %d %s\r\n", r.protocol, r.status, phrase); err != nil {
		return rewritten, err
	}
	if _, err := h.WriteTo(r.w); err != nil {
		return rewritten, err
	}
	if _, err := r.w.WriteString("\r\n"); err != nil {
		return rewritten, err
	}
	r.headersSent = true
	r.log.Debug("response headers sent", "status", r.status, "length", length)
	return rewritten, nil
}

// SendResponse sends a complete response with body. HEAD requests and
// bodiless statuses get the headers only.
func (r *Request) SendResponse(body []byte, contentType string, code int) error {
	if _, err := r.SendHeaders(code, contentType, int64(len(body))); err != nil {
		return err
	}
	if r.bodyAllowed(r.status) {
		if _, err := r.w.Write(body); err != nil {
			return err
		}
	}
	return r.w.Flush()
}

func (r *Request) SendResponseString(body, contentType string, code int) error {
	return r.SendResponse([]byte(body), contentType, code)
}

// SendStream sends a response whose body is read from src. With a known
// length the body is copied as is and a short source ends keep-alive. With
// length -1 an HTTP/1.1 client gets a chunked body, while an HTTP/1.0
// client gets a body delimited by closing the connection.
func (r *Request) SendStream(src io.Reader, length int64, contentType string, code int) error {
	if r.headersSent {
		return ErrHeadersSent
	}
	status := r.status
	if code >= 0 {
		status = code
	}
	withBody := r.bodyAllowed(status)
	useChunks := false
	if length < 0 && withBody {
		if r.version >= 11 {
			r.respHeader.RemoveAll("Content-Length")
			r.respHeader.Set("Transfer-Encoding", "chunked")
			useChunks = true
		} else {
			r.keepAlive = false
		}
	}
	if _, err := r.SendHeaders(code, contentType, length); err != nil {
		return err
	}
	if !withBody || length == 0 {
		return r.w.Flush()
	}

	buf := make([]byte, r.server.cfg.BufferSize)
	switch {
	case useChunks:
		cw := chunked.NewWriter(flushWriter{r.w})
		if _, err := io.CopyBuffer(cw, src, buf); err != nil {
			r.keepAlive = false
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
	case length > 0:
		n, err := io.CopyBuffer(r.w, io.LimitReader(src, length), buf)
		if n < length {
			r.keepAlive = false
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("short body, %d of %d bytes: %w", n, length, err)
		}
	default:
		if _, err := io.CopyBuffer(r.w, src, buf); err != nil {
			return err
		}
	}
	return r.w.Flush()
}

// flushWriter pushes every chunk to the client as soon as it is framed.
type flushWriter struct {
	w *bufio.Writer
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}

// RequestIDHeader survives the header reset in SendError so error pages
// keep their correlation id.
const RequestIDHeader = "X-Request-ID"

// SendError reports a failure to the client. The connection always closes
// afterwards. If headers already went out nothing more is written, since
// the response can no longer be repaired.
func (r *Request) SendError(code int, clientMsg, logMsg string) error {
	r.server.errors.Add(1)
	r.keepAlive = false
	if logMsg != "" {
		r.log.Info("request failed", "status", code, "reason", logMsg, "url", r.url)
	}
	if r.headersSent {
		return nil
	}
	id, hasID := r.respHeader.Lookup(RequestIDHeader)
	r.respHeader.Clear()
	if hasID {
		r.respHeader.Set(RequestIDHeader, id)
	}
	text := http.StatusText(code)
	var sb strings.Builder
	fmt.Fprintf(&sb, "<html>\n<head><title>Error: %d</title></head>\n<body>\n<h1>%d %s</h1>\n", code, code, text)
	if clientMsg != "" {
		fmt.Fprintf(&sb, "<p>%s</p>\n", html.EscapeString(clientMsg))
	}
	sb.WriteString("</body>\n</html>\n")
	return r.SendResponseString(sb.String(), "text/html", code)
}

// Redirect answers with a 302 to target. A relative target is made
// absolute against ServerURL.
func (r *Request) Redirect(target, body string) error {
	if !strings.Contains(target, "://") {
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		target = r.ServerURL() + target
	}
	r.respHeader.Set("Location", target)
	if body == "" {
		body = "<html><body>Moved to <a href=\"" + html.EscapeString(target) + "\">here</a></body></html>\n"
	}
	return r.SendResponseString(body, "text/html", http.StatusFound)
}
