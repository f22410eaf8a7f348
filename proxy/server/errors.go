package server

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrServerClosed is returned by Serve after Stop.
	ErrServerClosed = errors.New("server closed")
	// ErrHandlerInit is returned by Restart when the replacement handler
	// could not be built. The previous handler stays active.
	ErrHandlerInit = errors.New("handler initialization failed")
	// ErrHeadersSent is returned when response headers were already written.
	ErrHeadersSent = errors.New("response headers already sent")

	// errNoRequest means the peer closed or idled out before sending
	// anything; the connection ends quietly.
	errNoRequest = errors.New("no request")
)

// ProtocolError is a malformed request that is answered with Code.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Reason)
}

func protocolError(code int, format string, args ...any) error {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
