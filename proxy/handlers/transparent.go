package handlers

import (
	"strings"

	"github.com/aluko123/adblock-proxy/pkg/config"
	"github.com/aluko123/adblock-proxy/proxy/handler"
	"github.com/aluko123/adblock-proxy/proxy/server"
)

// Transparent turns origin-form targets ("/path"), as sent by clients whose
// traffic is redirected to the proxy without their knowledge, into absolute
// URLs built from the Host header. It never answers.
type Transparent struct{}

func (Transparent) Respond(r *server.Request) (bool, error) {
	url := r.URL()
	if !strings.HasPrefix(url, "/") {
		return false, nil
	}
	host := strings.TrimSpace(r.Header().Get("Host"))
	if host == "" {
		return false, nil
	}
	r.SetURL("http://" + host + url)
	return false, nil
}

var _ handler.Factory = TransparentFactory

func TransparentFactory(b *handler.Builder, name string, props config.Props) (server.Handler, error) {
	return Transparent{}, nil
}
