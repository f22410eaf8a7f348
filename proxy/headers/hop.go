package headers

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// point-to-point headers, RFC 2616 section 13.5.1
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Upgrade",
}

var requestHopHeaders = []string{
	"Proxy-Authorization",
}

var responseHopHeaders = []string{
	"Proxy-Authenticate",
	"Public",
	"Transfer-Encoding",
}

// RemoveHopByHop strips every header that is only meaningful between two
// adjacent hops, including the ones named by Connection tokens. Response
// tables additionally lose their framing and proxy-auth challenge headers.
func RemoveHopByHop(t *Table, response bool) {
	for _, v := range t.GetAll("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				t.RemoveAll(tok)
			}
		}
	}
	for _, h := range hopHeaders {
		t.RemoveAll(h)
	}
	extra := requestHopHeaders
	if response {
		extra = responseHopHeaders
	}
	for _, h := range extra {
		t.RemoveAll(h)
	}
}

// HasToken reports whether any value of key contains token as a
// comma-separated element, compared case-insensitively.
func HasToken(t *Table, key, token string) bool {
	return httpguts.HeaderValuesContainsToken(t.GetAll(key), token)
}
