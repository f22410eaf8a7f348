package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

// Duration accepts either a Go duration string ("30s") or an integer number
// of milliseconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: expected a scalar at line %d", n.Line)
	}
	s := n.Value
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full process configuration. Zero-valued sections in a YAML
// file keep their defaults.
type Config struct {
	Listen      string   `yaml:"listen"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Timeout     Duration `yaml:"timeout"`
	MaxRequests int      `yaml:"max_requests"`
	MaxWorkers  int      `yaml:"max_workers"`
	MaxBody     int64    `yaml:"max_body"`
	BufferSize  int      `yaml:"buffer_size"`
	ServerName  string   `yaml:"server_name"`
	Allow       []string `yaml:"allow"`

	Pool PoolConfig `yaml:"pool"`
	Log  LogConfig  `yaml:"log"`

	Limit     LimitConfig `yaml:"limit"`
	Blocklist string      `yaml:"blocklist"`

	// Root names the handler that receives every request.
	Root     string          `yaml:"root"`
	Handlers []HandlerConfig `yaml:"handlers"`
	// Props is the base layer every handler reads through.
	Props map[string]string `yaml:"props"`
}

type PoolConfig struct {
	MaxIdle      int      `yaml:"max_idle"`
	MaxIdleAge   Duration `yaml:"max_idle_age"`
	ReapInterval Duration `yaml:"reap_interval"`
	DrainTimeout Duration `yaml:"drain_timeout"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	LineLimit    int      `yaml:"line_limit"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type LimitConfig struct {
	// Backend is "none", "memory" or "redis".
	Backend   string   `yaml:"backend"`
	RedisAddr string   `yaml:"redis_addr"`
	Rate      float64  `yaml:"rate"`
	Burst     int      `yaml:"burst"`
	Window    Duration `yaml:"window"`
}

// HandlerConfig declares one named handler instance.
type HandlerConfig struct {
	Name  string            `yaml:"name"`
	Type  string            `yaml:"type"`
	Props map[string]string `yaml:"props"`
}

// Default returns the built-in configuration: a root chain that rewrites
// transparent requests, tunnels CONNECT and filters everything else.
func Default() *Config {
	return &Config{
		Listen:      "127.0.0.1:2020",
		MetricsAddr: "127.0.0.1:9090",
		Timeout:     Duration(30 * time.Second),
		MaxRequests: 25,
		MaxWorkers:  250,
		MaxBody:     2 << 20,
		BufferSize:  8192,
		ServerName:  "AdblockProxy/1.0",
		Pool: PoolConfig{
			MaxIdle:      10,
			MaxIdleAge:   Duration(20 * time.Second),
			ReapInterval: Duration(10 * time.Second),
			DrainTimeout: Duration(10 * time.Second),
			DialTimeout:  Duration(10 * time.Second),
			LineLimit:    1000,
		},
		Log: LogConfig{Format: "text", Level: "info"},
		Limit: LimitConfig{
			Backend: "none",
			Rate:    100,
			Burst:   200,
			Window:  Duration(time.Second),
		},
		Root: "main",
		Handlers: []HandlerConfig{
			{Name: "main", Type: "chain", Props: map[string]string{
				"handlers": "transparent https adblock",
				"report":   "handled.by",
			}},
			{Name: "transparent", Type: "transparent"},
			{Name: "https", Type: "tunnel"},
			{Name: "adblock", Type: "filter"},
		},
		Props: map[string]string{
			"stripHopByHop": "true",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects limits that would disable the server.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	case c.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalid)
	case c.MaxRequests <= 0:
		return fmt.Errorf("%w: max_requests must be positive", ErrInvalid)
	case c.MaxWorkers <= 0:
		return fmt.Errorf("%w: max_workers must be positive", ErrInvalid)
	case c.MaxBody < 0:
		return fmt.Errorf("%w: max_body must not be negative", ErrInvalid)
	case c.BufferSize <= 0:
		return fmt.Errorf("%w: buffer_size must be positive", ErrInvalid)
	case c.Pool.MaxIdle < 0:
		return fmt.Errorf("%w: pool.max_idle must not be negative", ErrInvalid)
	case c.Pool.LineLimit <= 0:
		return fmt.Errorf("%w: pool.line_limit must be positive", ErrInvalid)
	}
	switch c.Limit.Backend {
	case "", "none", "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown limit backend %q", ErrInvalid, c.Limit.Backend)
	}
	seen := make(map[string]bool)
	for _, h := range c.Handlers {
		if h.Name == "" || h.Type == "" {
			return fmt.Errorf("%w: handler needs a name and a type", ErrInvalid)
		}
		if seen[h.Name] {
			return fmt.Errorf("%w: duplicate handler %q", ErrInvalid, h.Name)
		}
		seen[h.Name] = true
	}
	if !seen[c.Root] {
		return fmt.Errorf("%w: root handler %q is not declared", ErrInvalid, c.Root)
	}
	return nil
}

// Handler returns the declaration of the named handler.
func (c *Config) Handler(name string) (HandlerConfig, bool) {
	for _, h := range c.Handlers {
		if h.Name == name {
			return h, true
		}
	}
	return HandlerConfig{}, false
}
