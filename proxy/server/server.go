// Package server terminates client HTTP/1.1 connections: it accepts
// sockets, parses one request after another on each, hands every request to
// a root Handler and writes the response back.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/pkg/metrics"
	"github.com/aluko123/adblock-proxy/proxy/headers"
)

// Handler answers a request. It returns true once it has written a
// response, or false to let the next candidate try. An error means the
// response could not be produced and is reported to the client if possible.
type Handler interface {
	Respond(r *Request) (bool, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(r *Request) (bool, error)

func (f HandlerFunc) Respond(r *Request) (bool, error) {
	return f(r)
}

// Config holds server configuration
type Config struct {
	// Timeout bounds every socket read and write, including the idle wait
	// between requests on a persistent connection.
	Timeout     time.Duration
	MaxRequests int
	MaxWorkers  int
	MaxBody     int64
	BufferSize  int
	LineLimit   int
	// Name is sent as the Server header unless a handler set one.
	Name string
	// Allow restricts clients to these networks. Empty allows everyone.
	Allow []netip.Prefix
	// Props is the base property layer visible to every request.
	Props config.Props
}

// DefaultConfig returns the default server configuration
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MaxRequests: 25,
		MaxWorkers:  250,
		MaxBody:     2 << 20,
		BufferSize:  8192,
		LineLimit:   headers.MaxLine,
		Name:        "AdblockProxy/1.0",
	}
}

// ParseAllow converts addresses and CIDR blocks to prefixes. A bare address
// becomes a single-host prefix.
func ParseAllow(list []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range list {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("allow entry %q: %w", s, err)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

// Stats are the aggregate counters exposed to the hosting process.
type Stats struct {
	Accepted int64
	Requests int64
	Errors   int64
	Active   int
}

type rootHandler struct {
	h Handler
}

type Server struct {
	cfg  Config
	log  *slog.Logger
	root atomic.Pointer[rootHandler]
	sem  *semaphore.Weighted

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	accepted atomic.Int64
	requests atomic.Int64
	errors   atomic.Int64
}

// New creates a server answering with root. A nil log uses slog.Default.
func New(cfg Config, root Handler, log *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.LineLimit <= 0 {
		cfg.LineLimit = def.LineLimit
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		log:   log,
		sem:   semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		conns: make(map[net.Conn]struct{}),
	}
	s.root.Store(&rootHandler{h: root})
	return s
}

func (s *Server) handler() Handler {
	return s.root.Load().h
}

// Restart swaps the root handler for the one build returns. If build fails
// the current handler keeps serving and the error wraps ErrHandlerInit.
func (s *Server) Restart(build func() (Handler, error)) error {
	h, err := build()
	if err == nil && h == nil {
		err = errors.New("nil handler")
	}
	if err != nil {
		s.log.Warn("restart failed, keeping current handler", "error", err)
		return fmt.Errorf("%w: %w", ErrHandlerInit, err)
	}
	s.root.Store(&rootHandler{h: h})
	s.log.Info("handler restarted")
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()
	return Stats{
		Accepted: s.accepted.Load(),
		Requests: s.requests.Load(),
		Errors:   s.errors.Load(),
		Active:   active,
	}
}

// Serve accepts connections on ln until Stop is called or ctx is done, and
// always returns a non-nil error; after Stop it is ErrServerClosed. All
// connection workers have returned by the time Serve does.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	// every return path joins the workers before Serve comes back
	defer s.Stop()
	stop := context.AfterFunc(ctx, func() { s.Stop() })
	defer stop()

	s.log.Info("proxy listening", "addr", ln.Addr().String(), "max_workers", s.cfg.MaxWorkers)

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept error, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		s.accepted.Add(1)
		metrics.ConnectionsAccepted.Inc()

		if !s.allowed(c.RemoteAddr()) {
			s.log.Debug("connection rejected by allow list", "remote", c.RemoteAddr().String())
			c.Close()
			continue
		}

		if !s.sem.TryAcquire(1) {
			s.log.Warn("worker limit reached, waiting for a free worker", "max_workers", s.cfg.MaxWorkers)
			if err := s.sem.Acquire(ctx, 1); err != nil {
				c.Close()
				return ErrServerClosed
			}
		}

		if !s.track(c) {
			s.sem.Release(1)
			c.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.untrack(c)
			s.serveConn(ctx, c)
		}()
	}
}

// Stop closes the listener and every open client connection, then waits for
// all workers to return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.cancel != nil {
			s.cancel()
		}
		if s.ln != nil {
			s.ln.Close()
		}
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers c and its worker. It fails once Stop has begun so that no
// worker can start after Stop decided which ones to wait for.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	metrics.ActiveConnections.Inc()
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	metrics.ActiveConnections.Dec()
}

func (s *Server) allowed(addr net.Addr) bool {
	if len(s.cfg.Allow) == 0 {
		return true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return false
	}
	ip := ap.Addr().Unmap()
	for _, p := range s.cfg.Allow {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func newConnID() string {
	return uuid.New().String()[:8]
}
