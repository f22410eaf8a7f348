package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/aluko123/adblock-proxy/pkg/metrics"
	"github.com/aluko123/adblock-proxy/proxy/chunked"
	"github.com/aluko123/adblock-proxy/proxy/netx"
)

// serveConn runs the request loop for one client socket. The socket is
// closed on every exit path.
func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	id := newConnID()
	log := s.log.With("conn_id", id, "remote", c.RemoteAddr().String())
	req := newRequest(s, ctx, c, log, id)
	defer func() {
		req.w.Flush()
		c.Close()
	}()

	log.Debug("connection opened")
	for {
		if err := req.readRequest(); err != nil {
			s.connError(req, err)
			return
		}
		s.requests.Add(1)

		handled, err := s.dispatch(req)
		if err != nil {
			s.connError(req, err)
			return
		}
		if req.hijacked {
			return
		}
		if !handled {
			req.SendError(http.StatusNotFound, "No handler for "+req.url, "")
		} else if !req.headersSent {
			req.SendError(http.StatusInternalServerError, "Handler produced no response", "handled without a response")
		}
		if req.chunked && !req.consumed && req.shouldKeepAlive() {
			// the unread body is still on the wire ahead of the next request
			if _, err := io.Copy(io.Discard, chunked.NewReader(req.r, s.cfg.LineLimit)); err != nil {
				log.Debug("discarding request body failed", "error", err)
				req.keepAlive = false
			}
		}
		if err := req.w.Flush(); err != nil {
			s.connError(req, err)
			return
		}
		if !req.shouldKeepAlive() {
			log.Debug("connection closing", "requests", req.served)
			return
		}
	}
}

func (s *Server) dispatch(req *Request) (handled bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			req.log.Error("handler panic", "panic", p, "stack", string(debug.Stack()))
			handled, err = false, fmt.Errorf("handler panic: %v", p)
		}
	}()
	return s.handler().Respond(req)
}

// connError classifies err and answers the client when that is still
// possible.
func (s *Server) connError(req *Request, err error) {
	var pe *ProtocolError
	switch {
	case errors.Is(err, errNoRequest):
		req.log.Debug("connection idle or closed by peer")
	case errors.As(err, &pe):
		metrics.ConnectionErrors.WithLabelValues("protocol").Inc()
		req.log.Info("bad request", "status", pe.Code, "reason", pe.Reason)
		req.SendError(pe.Code, pe.Reason, "")
	case netx.IsTimeout(err):
		metrics.ConnectionErrors.WithLabelValues("timeout").Inc()
		req.log.Debug("timeout", "headers_sent", req.headersSent, "error", err)
		if req.started {
			req.SendError(http.StatusRequestTimeout, "Timeout waiting for request", "")
		}
	case netx.IsPeerClosed(err):
		metrics.ConnectionErrors.WithLabelValues("peer_closed").Inc()
		req.log.Debug("peer closed connection", "error", err)
	default:
		metrics.ConnectionErrors.WithLabelValues("internal").Inc()
		req.log.Error("request failed", "url", req.url, "error", err)
		req.SendError(http.StatusInternalServerError, err.Error(), "")
	}
}
