package outbound

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluko123/adblock-proxy/pkg/metrics"
	"github.com/aluko123/adblock-proxy/proxy/netx"
)

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	// MaxIdle caps the idle connections kept across all hosts. When a
	// release would exceed it the oldest idle connection is closed.
	MaxIdle int
	// MaxIdleAge is how long a released connection stays reusable.
	MaxIdleAge   time.Duration
	ReapInterval time.Duration
	DialTimeout  time.Duration
	// IOTimeout bounds each read and write on a pooled connection.
	IOTimeout  time.Duration
	BufferSize int
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdle:      10,
		MaxIdleAge:   20 * time.Second,
		ReapInterval: 10 * time.Second,
		DialTimeout:  10 * time.Second,
		IOTimeout:    30 * time.Second,
		BufferSize:   8192,
	}
}

// DialFunc opens a new transport connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Conn is a connection owned either by the pool (idle) or by exactly one
// Request (checked out).
type Conn struct {
	Host string
	Port int

	nc        net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	firstTime bool
	lastUsed  time.Time
	timesUsed int
	serial    int
}

// FirstTime reports whether the connection was dialed for the current
// checkout and has never carried an earlier request.
func (c *Conn) FirstTime() bool { return c.firstTime }

func (c *Conn) TimesUsed() int { return c.timesUsed }

func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) String() string {
	return fmt.Sprintf("%s:%d-%d-%d", c.Host, c.Port, c.serial, c.timesUsed)
}

// Pool caches idle connections by host and port. Checkout prefers the most
// recently released connection.
type Pool struct {
	cfg  PoolConfig
	dial DialFunc
	log  *slog.Logger

	mu     sync.Mutex
	idle   []*Conn // oldest first
	serial int
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool starts a pool and its reaper. A nil dial uses net.Dialer.
func NewPool(cfg PoolConfig, dial DialFunc, log *slog.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		dial = d.DialContext
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		cfg:  cfg,
		dial: dial,
		log:  log,
		done: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reapLoop()
	return p
}

// Get returns an idle connection to host:port when reuse is set and one is
// available, or dials a new one. Idle connections past MaxIdleAge that are
// passed over on the way are closed.
func (p *Pool) Get(ctx context.Context, host string, port int, reuse bool) (*Conn, error) {
	host = strings.ToLower(host)
	if reuse {
		if c := p.checkout(host, port); c != nil {
			metrics.PoolCheckouts.WithLabelValues("hit").Inc()
			return c, nil
		}
	}
	metrics.PoolCheckouts.WithLabelValues("miss").Inc()

	if p.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
	}
	nc, err := p.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	tc := netx.NewTimeoutConn(nc, p.cfg.IOTimeout)

	p.mu.Lock()
	p.serial++
	serial := p.serial
	p.mu.Unlock()

	return &Conn{
		Host:      host,
		Port:      port,
		nc:        tc,
		r:         bufio.NewReaderSize(tc, p.cfg.BufferSize),
		w:         bufio.NewWriterSize(tc, p.cfg.BufferSize),
		firstTime: true,
		timesUsed: 1,
		serial:    serial,
	}, nil
}

func (p *Pool) checkout(host string, port int) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for i := len(p.idle) - 1; i >= 0; i-- {
		c := p.idle[i]
		if c.Host != host || c.Port != port {
			continue
		}
		p.removeLocked(i)
		if p.expired(c, now) {
			metrics.PoolEvictions.WithLabelValues("expired").Inc()
			c.Close()
			continue
		}
		c.timesUsed++
		return c
	}
	return nil
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return p.cfg.MaxIdleAge > 0 && now.Sub(c.lastUsed) > p.cfg.MaxIdleAge
}

func (p *Pool) removeLocked(i int) {
	copy(p.idle[i:], p.idle[i+1:])
	p.idle[len(p.idle)-1] = nil
	p.idle = p.idle[:len(p.idle)-1]
	metrics.PoolIdle.Set(float64(len(p.idle)))
}

// Put releases c for reuse.
func (p *Pool) Put(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.cfg.MaxIdle <= 0 {
		metrics.PoolEvictions.WithLabelValues("discarded").Inc()
		c.Close()
		return
	}
	c.firstTime = false
	c.lastUsed = time.Now()
	for len(p.idle) >= p.cfg.MaxIdle {
		oldest := p.idle[0]
		p.removeLocked(0)
		metrics.PoolEvictions.WithLabelValues("evicted").Inc()
		p.log.Debug("pool full, evicting oldest connection", "conn", oldest.String())
		oldest.Close()
	}
	p.idle = append(p.idle, c)
	metrics.PoolIdle.Set(float64(len(p.idle)))
}

// Discard closes c without pooling it.
func (p *Pool) Discard(c *Conn) {
	metrics.PoolEvictions.WithLabelValues("discarded").Inc()
	c.Close()
}

// Len returns the number of idle connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// String lists the idle connections, oldest first.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := make([]string, len(p.idle))
	for i, c := range p.idle {
		parts[i] = c.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reap()
		case <-p.done:
			return
		}
	}
}

// reap closes idle connections older than MaxIdleAge.
func (p *Pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.expired(c, now) {
			metrics.PoolEvictions.WithLabelValues("expired").Inc()
			c.Close()
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	if n := len(p.idle) - len(kept); n > 0 {
		p.log.Debug("reaped idle connections", "count", n)
	}
	p.idle = kept
	metrics.PoolIdle.Set(float64(len(p.idle)))
}

// Close stops the reaper and closes every idle connection. Connections
// released afterwards are closed immediately.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
	metrics.PoolIdle.Set(0)
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	return nil
}
