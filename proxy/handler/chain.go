// Package handler composes request handlers into dispatch chains and builds
// them by type name from configuration.
package handler

import (
	"log/slog"

	"github.com/aluko123/adblock-proxy/proxy/server"
)

// Matcher accepts or rejects a request URL for a chain.
type Matcher interface {
	Matches(url string) bool
}

// Named is a handler together with the name it was configured under.
type Named struct {
	Name    string
	Handler server.Handler
}

// Chain tries its handlers in order and stops at the first one that answers.
type Chain struct {
	name     string
	handlers []Named
	matcher  Matcher
	// report, when set, is the request property that receives the name of
	// the handler that answered.
	report string
	log    *slog.Logger
}

// NewChain returns a chain over handlers. A nil matcher accepts every URL.
func NewChain(name string, handlers []Named, matcher Matcher, report string, log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{
		name:     name,
		handlers: handlers,
		matcher:  matcher,
		report:   report,
		log:      log,
	}
}

func (c *Chain) Name() string { return c.name }

// Handlers returns the chain members in dispatch order.
func (c *Chain) Handlers() []Named { return c.handlers }

// Respond implements server.Handler. An error from a member stops the chain
// and is returned as is.
func (c *Chain) Respond(r *server.Request) (bool, error) {
	if c.matcher != nil && !c.matcher.Matches(r.URL()) {
		return false, nil
	}
	for _, n := range c.handlers {
		handled, err := n.Handler.Respond(r)
		if err != nil {
			return handled, err
		}
		if handled {
			if c.report != "" {
				r.SetProp(c.report, n.Name)
			}
			r.Log().Debug("request handled", "chain", c.name, "handler", n.Name)
			return true, nil
		}
	}
	return false, nil
}
