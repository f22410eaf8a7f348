// Package chunked implements the HTTP/1.1 chunked transfer coding: a reader
// that strips the framing, a writer that adds it, and a relay that re-frames
// a chunked stream from one connection onto another without buffering it.
package chunked

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aluko123/adblock-proxy/proxy/headers"
)

// DefaultLineLimit bounds chunk-size and trailer lines.
const DefaultLineLimit = 1000

var ErrMalformedChunk = errors.New("malformed chunk")

// maximum number of blank lines tolerated before a chunk-size line
const maxBlanks = 3

// ReadSize reads a chunk-size line and returns the size, ignoring any chunk
// extensions. Stray blank lines left over from a previous chunk are skipped.
func ReadSize(r *bufio.Reader, lineLimit int) (int64, error) {
	var line string
	for i := 0; ; i++ {
		l, err := headers.ReadLine(r, lineLimit)
		if err != nil {
			if err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
		if i >= maxBlanks {
			return 0, ErrMalformedChunk
		}
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrMalformedChunk, line)
	}
	return n, nil
}

// Reader decodes a chunked body. Read returns io.EOF after the terminal
// zero-size chunk and its trailers have been consumed.
type Reader struct {
	r         *bufio.Reader
	lineLimit int
	remaining int64
	done      bool
	started   bool
	err       error
	trailers  headers.Table
}

// NewReader returns a Reader decoding from r.
func NewReader(r *bufio.Reader, lineLimit int) *Reader {
	if lineLimit <= 0 {
		lineLimit = DefaultLineLimit
	}
	return &Reader{r: r, lineLimit: lineLimit}
}

func (c *Reader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.remaining == 0 {
		if c.started {
			if err := c.readCRLF(); err != nil {
				c.err = err
				return 0, err
			}
		}
		n, err := ReadSize(c.r, c.lineLimit)
		if err != nil {
			c.err = err
			return 0, err
		}
		c.started = true
		if n == 0 {
			if err := c.trailers.ReadFrom(c.r, c.lineLimit, headers.MaxLines, false); err != nil {
				c.err = err
				return 0, err
			}
			c.done = true
			c.err = io.EOF
			return 0, io.EOF
		}
		c.remaining = n
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		c.err = err
	}
	return n, err
}

// readCRLF consumes the line terminator after chunk data.
func (c *Reader) readCRLF() error {
	line, err := headers.ReadLine(c.r, c.lineLimit)
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if strings.TrimSpace(line) != "" {
		return fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformedChunk)
	}
	return nil
}

// Done reports whether the terminal chunk has been read.
func (c *Reader) Done() bool {
	return c.done
}

// Trailers returns the trailer headers, valid once Done reports true.
func (c *Reader) Trailers() *headers.Table {
	return &c.trailers
}

// Writer encodes everything written to it as chunks. Close must be called to
// emit the terminal chunk; it does not close the underlying writer.
type Writer struct {
	w      io.Writer
	closed bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write emits p as a single chunk. An empty p writes nothing, since a
// zero-size chunk would end the body.
func (c *Writer) Write(p []byte) (int, error) {
	if c.closed {
		return 0, errors.New("chunked: write after close")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

// Close writes the terminal chunk with no trailers.
func (c *Writer) Close() error {
	return c.CloseWithTrailers(nil)
}

// CloseWithTrailers writes the terminal chunk followed by trailers.
func (c *Writer) CloseWithTrailers(trailers *headers.Table) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if _, err := io.WriteString(c.w, "0\r\n"); err != nil {
		return err
	}
	if trailers != nil {
		if _, err := trailers.WriteTo(c.w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.w, "\r\n")
	return err
}

// Relay copies a chunked body from src to dst, re-emitting chunk framing and
// trailers as they arrive. Chunk extensions are dropped. It returns the
// number of payload bytes copied.
func Relay(dst io.Writer, src *bufio.Reader, lineLimit int) (int64, error) {
	cr := NewReader(src, lineLimit)
	cw := NewWriter(dst)
	buf := make([]byte, 32*1024)

	var total int64
	for {
		n, err := cr.Read(buf)
		if n > 0 {
			if _, werr := cw.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, cw.CloseWithTrailers(cr.Trailers())
		}
		if err != nil {
			return total, err
		}
	}
}
