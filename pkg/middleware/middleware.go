package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aluko123/adblock-proxy/pkg/limit"
	"github.com/aluko123/adblock-proxy/pkg/logger"
	"github.com/aluko123/adblock-proxy/pkg/metrics"
	"github.com/aluko123/adblock-proxy/proxy/server"
)

// Middleware type definition
type Middleware func(server.Handler) server.Handler

// RequestIDProp is the request property holding the request id.
const RequestIDProp = "request.id"

// Chain applies middlewares in the order they are passed, so the last one
// runs first.
func Chain(h server.Handler, middlewares ...Middleware) server.Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}

// WithRateLimit answers 429 to clients over their allowance.
func WithRateLimit(limiter limit.RateLimiter) Middleware {
	return func(next server.Handler) server.Handler {
		return server.HandlerFunc(func(r *server.Request) (bool, error) {
			ip := limit.ClientIP(r.RemoteAddr())
			if !limiter.Allow(ip) {
				metrics.RateLimitedTotal.WithLabelValues(r.Method()).Inc()
				return true, r.SendError(http.StatusTooManyRequests, "Rate limit exceeded", "client "+ip+" over rate limit")
			}
			return next.Respond(r)
		})
	}
}

// WithLogging logs each request and records its duration and status.
// With debug set the full URL is logged, otherwise only the method.
func WithLogging(debug bool) Middleware {
	return func(next server.Handler) server.Handler {
		return server.HandlerFunc(func(r *server.Request) (bool, error) {
			start := time.Now()
			if debug {
				r.Log().Debug("request", "method", r.Method(), "url", r.URL(), "reuse", r.ReuseCount())
			}

			handled, err := next.Respond(r)

			status := "unhandled"
			switch {
			case err != nil:
				status = "error"
			case handled:
				status = strconv.Itoa(r.Status())
				metrics.StatusCodeCounter.WithLabelValues(metrics.StatusClass(r.Status())).Inc()
			}
			elapsed := time.Since(start)
			metrics.RequestDuration.WithLabelValues(r.Method()).Observe(elapsed.Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method(), status).Inc()
			r.Log().Info("request done", "method", r.Method(), "status", status, "duration", elapsed)
			return handled, err
		})
	}
}

// WithRequestID tags the request with the client's X-Request-ID or a new
// uuid, echoes it in the response and adds it to the request logger.
func WithRequestID() Middleware {
	return func(next server.Handler) server.Handler {
		return server.HandlerFunc(func(r *server.Request) (bool, error) {
			id := r.Header().Get(server.RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			r.SetProp(RequestIDProp, id)
			r.SetContext(context.WithValue(r.Context(), logger.RequestIDKey, id))
			r.SetLog(r.Log().With("request_id", id))
			r.ResponseHeader().Set(server.RequestIDHeader, id)
			return next.Respond(r)
		})
	}
}
