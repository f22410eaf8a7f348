package chunked

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/aluko123/adblock-proxy/proxy/headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, data []byte, rng *rand.Rand, trailers *headers.Table) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for rest := data; len(rest) > 0; {
		n := 1 + rng.Intn(len(rest))
		_, err := w.Write(rest[:n])
		require.NoError(t, err)
		rest = rest[n:]
	}
	require.NoError(t, w.CloseWithTrailers(trailers))
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sizes := []int{0, 1, 2, 15, 16, 4096, 32 * 1024, 100000}
	for i := 0; i < 20; i++ {
		sizes = append(sizes, rng.Intn(100001))
	}

	for _, size := range sizes {
		data := make([]byte, size)
		rng.Read(data)

		enc := encode(t, data, rng, nil)
		r := NewReader(bufio.NewReader(bytes.NewReader(enc)), 0)
		got, err := io.ReadAll(r)
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(data, got), "size %d", size)
		assert.True(t, r.Done())
	}
}

func TestTerminalChunkWithTrailers(t *testing.T) {
	var tr headers.Table
	tr.Add("X-Checksum", "abc")
	tr.Add("X-Other", "1")

	enc := encode(t, nil, rand.New(rand.NewSource(1)), &tr)
	assert.Equal(t, "0\r\nX-Checksum: abc\r\nX-Other: 1\r\n\r\n", string(enc))

	r := NewReader(bufio.NewReader(bytes.NewReader(enc)), 0)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "abc", r.Trailers().Get("x-checksum"))
	assert.Equal(t, 2, r.Trailers().Len())
}

func TestReaderLeavesFollowingBytes(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("4\r\ndata\r\n0\r\n\r\nHTTP/1.1 200 OK"))
	got, err := io.ReadAll(NewReader(br, 0))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	rest, _ := io.ReadAll(br)
	assert.Equal(t, "HTTP/1.1 200 OK", string(rest))
}

func TestReaderExtensions(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("5;name=val\r\nhello\r\n0;last\r\n\r\n"))
	got, err := io.ReadAll(NewReader(br, 0))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestReaderMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"bad hex", "zz\r\nabc\r\n0\r\n\r\n", ErrMalformedChunk},
		{"negative", "-1\r\n\r\n", ErrMalformedChunk},
		{"truncated data", "10\r\nshort", io.ErrUnexpectedEOF},
		{"no terminal chunk", "4\r\ndata\r\n", io.ErrUnexpectedEOF},
		{"missing crlf", "4\r\ndataXX\r\n0\r\n\r\n", ErrMalformedChunk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bufio.NewReader(strings.NewReader(tt.input)), 0)
			_, err := io.ReadAll(r)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, r.Done())
		})
	}
}

func TestReadSizeLineLimit(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(strings.Repeat("a", 50) + "\r\n"))
	_, err := ReadSize(br, 10)
	assert.ErrorIs(t, err, headers.ErrLineTooLong)
}

func TestWriterEmptyWriteIsNoop(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	n, err := w.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, buf.Len())

	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, "3\r\nabc\r\n0\r\n\r\n", buf.String())

	_, err = w.Write([]byte("x"))
	assert.Error(t, err)
}

func TestRelay(t *testing.T) {
	src := bufio.NewReader(strings.NewReader("3;ext=1\r\nabc\r\n2\r\nde\r\n0\r\nX-T: v\r\n\r\nnext"))
	var dst bytes.Buffer

	n, err := Relay(&dst, src, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	r := NewReader(bufio.NewReader(&dst), 0)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(got))
	assert.Equal(t, "v", r.Trailers().Get("X-T"))

	rest, _ := io.ReadAll(src)
	assert.Equal(t, "next", string(rest))
}

func TestRelayTruncated(t *testing.T) {
	src := bufio.NewReader(strings.NewReader("5\r\nab"))
	_, err := Relay(io.Discard, src, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
