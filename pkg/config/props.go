package config

import (
	"strconv"
	"strings"
	"time"
)

// Props is an immutable stack of string property layers. Lookups search the
// most recently added layer first, so a handler's own properties shadow the
// server-wide base without ever mutating it.
type Props struct {
	layers []map[string]string
}

// NewProps returns a single-layer Props over a copy of base.
func NewProps(base map[string]string) Props {
	return Props{}.Layer(base)
}

// Layer returns a new Props with overrides on top. The receiver is unchanged.
func (p Props) Layer(overrides map[string]string) Props {
	if len(overrides) == 0 {
		return p
	}
	m := make(map[string]string, len(overrides))
	for k, v := range overrides {
		m[k] = v
	}
	layers := make([]map[string]string, 0, len(p.layers)+1)
	layers = append(layers, m)
	layers = append(layers, p.layers...)
	return Props{layers: layers}
}

// Get returns the value from the highest-precedence layer that has key.
func (p Props) Get(key string) (string, bool) {
	for _, l := range p.layers {
		if v, ok := l[key]; ok {
			return v, true
		}
	}
	return "", false
}

func (p Props) String(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

func (p Props) Int(key string, def int) int {
	if v, ok := p.Get(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (p Props) Bool(key string, def bool) bool {
	if v, ok := p.Get(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Duration parses either a duration string or an integer in milliseconds.
func (p Props) Duration(key string, def time.Duration) time.Duration {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

// Fields splits a whitespace-separated list property.
func (p Props) Fields(key string) []string {
	return strings.Fields(p.String(key, ""))
}
