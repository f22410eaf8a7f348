package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 25, cfg.MaxRequests)
	assert.Equal(t, int64(2<<20), cfg.MaxBody)
	assert.Equal(t, 20*time.Second, cfg.Pool.MaxIdleAge.Std())

	root, ok := cfg.Handler(cfg.Root)
	require.True(t, ok)
	assert.Equal(t, "chain", root.Type)
}

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	yml := `
listen: 127.0.0.1:3128
timeout: 5000
pool:
  max_idle: 3
  max_idle_age: 1m
props:
  via: "off"
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3128", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.Timeout.Std())
	assert.Equal(t, 3, cfg.Pool.MaxIdle)
	assert.Equal(t, time.Minute, cfg.Pool.MaxIdleAge.Std())
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Pool.ReapInterval.Std())
	assert.Equal(t, 25, cfg.MaxRequests)
	assert.Equal(t, "off", cfg.Props["via"])
	assert.Equal(t, "true", cfg.Props["stripHopByHop"])
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("timeout: soon\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("max_requests: 0\n"), 0o644))
	_, err = Load(invalid)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.MaxWorkers = 0 }},
		{"bad backend", func(c *Config) { c.Limit.Backend = "etcd" }},
		{"missing root", func(c *Config) { c.Root = "nope" }},
		{"duplicate handler", func(c *Config) {
			c.Handlers = append(c.Handlers, HandlerConfig{Name: "main", Type: "chain"})
		}},
		{"untyped handler", func(c *Config) {
			c.Handlers = append(c.Handlers, HandlerConfig{Name: "x"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestPropsLayering(t *testing.T) {
	base := map[string]string{"timeout": "100", "name": "base", "flag": "true"}
	p := NewProps(base)
	q := p.Layer(map[string]string{"name": "child", "timeout": "2s"})

	assert.Equal(t, "base", p.String("name", ""))
	assert.Equal(t, "child", q.String("name", ""))
	assert.Equal(t, 100*time.Millisecond, p.Duration("timeout", 0))
	assert.Equal(t, 2*time.Second, q.Duration("timeout", 0))
	assert.True(t, q.Bool("flag", false))
	assert.Equal(t, 7, q.Int("missing", 7))

	base["name"] = "mutated"
	assert.Equal(t, "base", p.String("name", ""))
}

func TestPropsFields(t *testing.T) {
	p := NewProps(map[string]string{"handlers": " a  b\tc "})
	assert.Equal(t, []string{"a", "b", "c"}, p.Fields("handlers"))
	assert.Empty(t, p.Fields("none"))
}
