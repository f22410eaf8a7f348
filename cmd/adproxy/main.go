package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/aluko123/adblock-proxy/pkg/blocklist"
	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/pkg/limit"
	"github.com/aluko123/adblock-proxy/pkg/logger"
	"github.com/aluko123/adblock-proxy/pkg/middleware"
	"github.com/aluko123/adblock-proxy/proxy/handler"
	"github.com/aluko123/adblock-proxy/proxy/handlers"
	"github.com/aluko123/adblock-proxy/proxy/outbound"
	"github.com/aluko123/adblock-proxy/proxy/server"
	"github.com/aluko123/adblock-proxy/proxy/tunnel"
)

// flags holds command line values. Only flags given explicitly override
// the config file.
type flags struct {
	configPath string
	listen     string
	metrics    string
	logFormat  string
	logLevel   string
	blocklist  string
	limiter    string
	redisAddr  string
	rateLimit  float64
	rateBurst  int
	debug      bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*flags, map[string]bool, error) {
	f := &flags{}
	fs.StringVar(&f.configPath, "config", "", "path to YAML config file")
	fs.StringVar(&f.listen, "listen", "", "proxy listen address")
	fs.StringVar(&f.metrics, "metrics", "", "metrics listen address, empty to disable")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fs.StringVar(&f.blocklist, "blocklist", "", "path to blocklist JSON file")
	fs.StringVar(&f.limiter, "limiter", "", "rate limiter: none, memory or redis")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "Redis server address")
	fs.Float64Var(&f.rateLimit, "rate-limit", 0, "requests per second per client")
	fs.IntVar(&f.rateBurst, "rate-burst", 0, "burst size for the rate limiter")
	fs.BoolVar(&f.debug, "debug", false, "log every request URL")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// loadConfig reads the config file, if any, and applies explicit flags.
func loadConfig(f *flags, set map[string]bool) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if set["listen"] {
		cfg.Listen = f.listen
	}
	if set["metrics"] {
		cfg.MetricsAddr = f.metrics
	}
	if set["log-format"] {
		cfg.Log.Format = f.logFormat
	}
	if set["log-level"] {
		cfg.Log.Level = f.logLevel
	}
	if set["blocklist"] {
		cfg.Blocklist = f.blocklist
	}
	if set["limiter"] {
		cfg.Limit.Backend = f.limiter
	}
	if set["redis-addr"] {
		cfg.Limit.RedisAddr = f.redisAddr
	}
	if set["rate-limit"] {
		cfg.Limit.Rate = f.rateLimit
	}
	if set["rate-burst"] {
		cfg.Limit.Burst = f.rateBurst
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLimiter(ctx context.Context, cfg config.LimitConfig, log *slog.Logger) (limit.RateLimiter, error) {
	switch cfg.Backend {
	case "memory":
		log.Info("using in-memory rate limiter", "rate", cfg.Rate, "burst", cfg.Burst)
		return limit.NewMemoryRateLimiter(rate.Limit(cfg.Rate), cfg.Burst, 0), nil
	case "redis":
		n := int(cfg.Rate * cfg.Window.Std().Seconds())
		if n < 1 {
			n = 1
		}
		log.Info("using redis rate limiter", "addr", cfg.RedisAddr, "limit", n, "window", cfg.Window.Std())
		return limit.NewRedisRateLimiter(ctx, cfg.RedisAddr, n, cfg.Window.Std(), log)
	default:
		return nil, nil
	}
}

// app owns everything that outlives a handler tree rebuild.
type app struct {
	log     *slog.Logger
	debug   bool
	bm      *blocklist.Manager
	limiter limit.RateLimiter
	pool    *outbound.Pool
	reg     *handler.Registry
}

func newApp(ctx context.Context, cfg *config.Config, debug bool, log *slog.Logger) (*app, error) {
	a := &app{log: log, debug: debug, bm: blocklist.NewManager()}
	a.loadBlocklist(cfg)

	var err error
	if a.limiter, err = newLimiter(ctx, cfg.Limit, log); err != nil {
		return nil, err
	}

	a.pool = outbound.NewPool(outbound.PoolConfig{
		MaxIdle:      cfg.Pool.MaxIdle,
		MaxIdleAge:   cfg.Pool.MaxIdleAge.Std(),
		ReapInterval: cfg.Pool.ReapInterval.Std(),
		DialTimeout:  cfg.Pool.DialTimeout.Std(),
		IOTimeout:    cfg.Timeout.Std(),
		BufferSize:   cfg.BufferSize,
	}, nil, log.With("component", "pool"))
	client := &outbound.Client{
		Pool:         a.pool,
		LineLimit:    cfg.Pool.LineLimit,
		DrainTimeout: cfg.Pool.DrainTimeout.Std(),
		Log:          log.With("component", "outbound"),
	}

	a.reg = handler.NewRegistry()
	a.reg.Register("transparent", handlers.TransparentFactory)
	a.reg.Register("filter", handlers.FilterFactory(a.bm, client, blocklist.BlockedResponse()))
	a.reg.Register("tunnel", tunnel.Factory(a.bm))
	return a, nil
}

func (a *app) loadBlocklist(cfg *config.Config) {
	if cfg.Blocklist == "" {
		return
	}
	if err := a.bm.LoadFromFile(cfg.Blocklist); err != nil {
		a.log.Warn("could not load blocklist", "error", err)
		return
	}
	a.log.Info("blocklist loaded", "rules", a.bm.Len())
}

// root builds the handler tree of cfg wrapped in the global middleware.
func (a *app) root(cfg *config.Config) (server.Handler, error) {
	h, err := handler.Build(a.reg, cfg, a.log)
	if err != nil {
		return nil, err
	}
	var mws []middleware.Middleware
	if a.limiter != nil {
		mws = append(mws, middleware.WithRateLimit(a.limiter))
	}
	mws = append(mws, middleware.WithRequestID(), middleware.WithLogging(a.debug))
	return middleware.Chain(h, mws...), nil
}

func (a *app) close() {
	a.pool.Close()
	if a.limiter != nil {
		a.limiter.Close()
	}
}

func serverConfig(cfg *config.Config) (server.Config, error) {
	allow, err := server.ParseAllow(cfg.Allow)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Timeout:     cfg.Timeout.Std(),
		MaxRequests: cfg.MaxRequests,
		MaxWorkers:  cfg.MaxWorkers,
		MaxBody:     cfg.MaxBody,
		BufferSize:  cfg.BufferSize,
		Name:        cfg.ServerName,
		Allow:       allow,
		Props:       config.NewProps(cfg.Props),
	}, nil
}

func run(args []string) error {
	// --- 1. Configuration ---
	f, set, err := parseFlags(flag.NewFlagSet("adproxy", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f, set)
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Format, level).Logger
	slog.SetDefault(log)

	// --- 2. Infrastructure ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, f.debug, log)
	if err != nil {
		return err
	}
	defer a.close()

	// --- 3. Handler tree ---
	root, err := a.root(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", server.ErrHandlerInit, err)
	}
	scfg, err := serverConfig(cfg)
	if err != nil {
		return err
	}
	srv := server.New(scfg, root, log)

	// --- 4. Metrics ---
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ms := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer ms.Close()
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	// --- 5. Serve until interrupted, reloading on SIGHUP ---
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				a.reload(srv, f, set)
			case <-ctx.Done():
				return
			}
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Info("handlers ready", "root", cfg.Root, "blocklist_rules", a.bm.Len())
	if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	st := srv.Stats()
	log.Info("proxy stopped", "accepted", st.Accepted, "requests", st.Requests, "errors", st.Errors)
	return nil
}

// reload rereads the config and swaps in a new handler tree. Listener
// settings and limits keep their startup values; a tree that fails to
// build leaves the running one in place.
func (a *app) reload(srv *server.Server, f *flags, set map[string]bool) {
	cfg, err := loadConfig(f, set)
	if err != nil {
		a.log.Error("reload failed, keeping current handlers", "error", err)
		return
	}
	a.loadBlocklist(cfg)
	if err := srv.Restart(func() (server.Handler, error) { return a.root(cfg) }); err != nil {
		a.log.Error("restart failed, keeping current handlers", "error", err)
		return
	}
	a.log.Info("handlers reloaded", "root", cfg.Root)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "adproxy:", err)
		os.Exit(1)
	}
}
