package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/pkg/match"
	"github.com/aluko123/adblock-proxy/proxy/server"
)

var (
	// ErrUnknownType is returned when a handler declaration names a type that
	// was never registered.
	ErrUnknownType = errors.New("unknown handler type")
	// ErrUndeclared is returned when a chain refers to a handler name that
	// has no declaration.
	ErrUndeclared = errors.New("undeclared handler")
	ErrCycle      = errors.New("handler reference cycle")
)

// Factory builds one handler instance. props is the handler's own property
// layer on top of the server-wide base.
type Factory func(b *Builder, name string, props config.Props) (server.Handler, error)

// Registry maps handler type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry that already knows the "chain" type.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("chain", chainFactory)
	return r
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

func (r *Registry) lookup(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Types lists the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Builder instantiates the handlers declared in a configuration.
type Builder struct {
	reg      *Registry
	decls    map[string]config.HandlerConfig
	base     config.Props
	log      *slog.Logger
	building map[string]bool
	built    map[string]server.Handler
}

// NewBuilder prepares to build the given declarations over base.
func NewBuilder(reg *Registry, decls []config.HandlerConfig, base config.Props, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	m := make(map[string]config.HandlerConfig, len(decls))
	for _, d := range decls {
		m[d.Name] = d
	}
	return &Builder{
		reg:      reg,
		decls:    m,
		base:     base,
		log:      log,
		building: make(map[string]bool),
		built:    make(map[string]server.Handler),
	}
}

func (b *Builder) Log() *slog.Logger { return b.log }

// Build returns the handler declared under name, constructing it once.
func (b *Builder) Build(name string) (server.Handler, error) {
	if h, ok := b.built[name]; ok {
		return h, nil
	}
	decl, ok := b.decls[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUndeclared, name)
	}
	f, ok := b.reg.lookup(decl.Type)
	if !ok {
		return nil, fmt.Errorf("handler %q: %w %q", name, ErrUnknownType, decl.Type)
	}
	if b.building[name] {
		return nil, fmt.Errorf("%w at %q", ErrCycle, name)
	}
	b.building[name] = true
	defer delete(b.building, name)

	h, err := f(b, name, b.base.Layer(decl.Props))
	if err != nil {
		return nil, fmt.Errorf("handler %q: %w", name, err)
	}
	b.built[name] = h
	return h, nil
}

// Build constructs the root handler of cfg with reg.
func Build(reg *Registry, cfg *config.Config, log *slog.Logger) (server.Handler, error) {
	b := NewBuilder(reg, cfg.Handlers, config.NewProps(cfg.Props), log)
	return b.Build(cfg.Root)
}

// chainFactory builds a Chain from the "handlers" property. A member that
// fails to build is skipped with a warning, unless exitOnError is set.
func chainFactory(b *Builder, name string, props config.Props) (server.Handler, error) {
	m, err := match.New(match.ParamsFromProps(props))
	if err != nil {
		return nil, err
	}
	exitOnError := props.Bool("exitOnError", false)

	var members []Named
	for _, child := range props.Fields("handlers") {
		h, err := b.Build(child)
		if err != nil {
			if exitOnError {
				return nil, err
			}
			b.log.Warn("skipping handler that failed to initialize", "chain", name, "handler", child, "error", err)
			continue
		}
		members = append(members, Named{Name: child, Handler: h})
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("chain %q has no usable handlers", name)
	}
	return NewChain(name, members, m, props.String("report", ""), b.log.With("chain", name)), nil
}
