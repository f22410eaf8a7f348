package headers

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	// MaxLine is the default limit on a single header line.
	MaxLine = 8192
	// MaxLines is the default limit on the number of lines in one header block.
	MaxLines = 1024
)

var (
	ErrLineTooLong    = errors.New("header line too long")
	ErrTooManyHeaders = errors.New("too many header lines")
)

type field struct {
	key   string
	value string
}

// Table is an ordered, case-insensitive multimap of header fields.
// The first occurrence of a key is authoritative for single-value reads;
// every occurrence is kept and written back in insertion order.
// The zero value is an empty table ready to use.
type Table struct {
	fields []field
}

// Len returns the number of fields, counting duplicates.
func (t *Table) Len() int {
	return len(t.fields)
}

// Clear empties the table but keeps its storage for reuse.
func (t *Table) Clear() {
	for i := range t.fields {
		t.fields[i] = field{}
	}
	t.fields = t.fields[:0]
}

func (t *Table) indexOf(key string) int {
	for i := range t.fields {
		if strings.EqualFold(t.fields[i].key, key) {
			return i
		}
	}
	return -1
}

// Add appends a field, keeping any existing fields with the same key.
func (t *Table) Add(key, value string) {
	t.fields = append(t.fields, field{key: key, value: value})
}

// Set replaces the value of the first field named key, or appends one.
func (t *Table) Set(key, value string) {
	if i := t.indexOf(key); i >= 0 {
		t.fields[i].value = value
		return
	}
	t.Add(key, value)
}

// SetIfAbsent adds the field only when no field named key exists yet.
func (t *Table) SetIfAbsent(key, value string) {
	if t.indexOf(key) < 0 {
		t.Add(key, value)
	}
}

// Get returns the value of the first field named key, or "".
func (t *Table) Get(key string) string {
	v, _ := t.Lookup(key)
	return v
}

// Lookup is like Get but also reports whether the key was present.
func (t *Table) Lookup(key string) (string, bool) {
	if i := t.indexOf(key); i >= 0 {
		return t.fields[i].value, true
	}
	return "", false
}

// GetAll returns every value for key in insertion order.
func (t *Table) GetAll(key string) []string {
	var vs []string
	for _, f := range t.fields {
		if strings.EqualFold(f.key, key) {
			vs = append(vs, f.value)
		}
	}
	return vs
}

// Has reports whether a field named key exists.
func (t *Table) Has(key string) bool {
	return t.indexOf(key) >= 0
}

// Remove deletes the first field named key and reports whether one was found.
func (t *Table) Remove(key string) bool {
	i := t.indexOf(key)
	if i < 0 {
		return false
	}
	t.RemoveAt(i)
	return true
}

// RemoveAll deletes every field named key.
func (t *Table) RemoveAll(key string) {
	for t.Remove(key) {
	}
}

// RemoveAt deletes the field at index i.
func (t *Table) RemoveAt(i int) {
	copy(t.fields[i:], t.fields[i+1:])
	t.fields[len(t.fields)-1] = field{}
	t.fields = t.fields[:len(t.fields)-1]
}

// KeyAt returns the key of the field at index i.
func (t *Table) KeyAt(i int) string {
	return t.fields[i].key
}

// ValueAt returns the value of the field at index i.
func (t *Table) ValueAt(i int) string {
	return t.fields[i].value
}

// SetAt replaces the value of the field at index i.
func (t *Table) SetAt(i int, value string) {
	t.fields[i].value = value
}

// Each calls fn for every field in order.
func (t *Table) Each(fn func(key, value string)) {
	for _, f := range t.fields {
		fn(f.key, f.value)
	}
}

// CopyTo appends every field of t to dst, duplicates included.
func (t *Table) CopyTo(dst *Table) {
	dst.fields = append(dst.fields, t.fields...)
}

// Clone returns an independent copy of t.
func (t *Table) Clone() *Table {
	c := &Table{fields: make([]field, len(t.fields))}
	copy(c.fields, t.fields)
	return c
}

// String renders the table as "{k=v, k=v}" for diagnostics.
func (t *Table) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range t.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.key)
		sb.WriteByte('=')
		sb.WriteString(f.value)
	}
	sb.WriteByte('}')
	return sb.String()
}

// ReadFrom reads header lines up to and including the terminating blank line.
// Continuation lines (leading space or tab) are folded into the previous
// value with a single space. Lines without a colon or with an invalid field
// name are skipped. With replace set, repeated keys overwrite rather than
// accumulate.
func (t *Table) ReadFrom(r *bufio.Reader, maxLine, maxLines int, replace bool) error {
	for count := 0; ; count++ {
		if count >= maxLines {
			return ErrTooManyHeaders
		}
		line, err := ReadLine(r, maxLine)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if line == "" {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if n := len(t.fields); n > 0 {
				t.fields[n-1].value += " " + strings.TrimSpace(line)
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !httpguts.ValidHeaderFieldName(key) {
			continue
		}
		value = strings.TrimSpace(value)
		if replace {
			t.Set(key, value)
		} else {
			t.Add(key, value)
		}
	}
}

// WriteTo writes every field as "Key: value\r\n". The blank line that ends a
// header block is not written.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range t.fields {
		n, err := io.WriteString(w, f.key+": "+f.value+"\r\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadLine reads one line terminated by LF, CRLF or a lone CR, without the
// terminator. It returns io.EOF only when the stream ends before any byte of
// the line was read, and ErrLineTooLong (with the partial line) once limit
// bytes have been read without a terminator.
func ReadLine(r *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for sb.Len() < limit {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return sb.String(), err
		}
		switch c {
		case '\n':
			return sb.String(), nil
		case '\r':
			if b, err := r.Peek(1); err == nil && b[0] == '\n' {
				r.ReadByte()
			}
			return sb.String(), nil
		}
		sb.WriteByte(c)
	}
	return sb.String(), ErrLineTooLong
}
