package outbound

import (
	"errors"
	"fmt"

	"github.com/aluko123/adblock-proxy/proxy/headers"
)

var (
	// ErrMalformedResponse is a status line that is neither HTTP/1.x nor a
	// plausible HTTP/0.9 body, or one longer than the line limit.
	ErrMalformedResponse = errors.New("malformed server response")
	ErrUnsupportedScheme = errors.New("only http URLs are supported")
	ErrLineTooLong       = headers.ErrLineTooLong

	// ErrAlreadySent is returned by setters once the request has been sent.
	ErrAlreadySent  = errors.New("request already sent")
	ErrNotConnected = errors.New("request not connected")
	ErrBodyClosed   = errors.New("response body closed")
)

// RetryError reports a request that failed on a reused connection and then
// failed again on a freshly dialed one. Both causes are kept.
type RetryError struct {
	First  error
	Second error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (after retry; first attempt: %v)", e.Second, e.First)
}

func (e *RetryError) Unwrap() []error {
	return []error{e.Second, e.First}
}
