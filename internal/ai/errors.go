package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a provider failure at the HTTP boundary so downstream code
// never has to re-derive retryability from message text.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindRateLimit
	KindServer
	KindParse
)

// Wire-level error codes surfaced to clients through the job record.
const (
	CodeTimeout    = "TIMEOUT_ERROR"
	CodeRateLimit  = "RATE_LIMIT"
	CodeServer     = "SERVER_ERROR"
	CodeParse      = "PARSE_ERROR"
	CodeProcessing = "PROCESSING_ERROR"
)

// Error is a tagged provider error. Provider names the upstream service,
// Status carries the HTTP status when one was received.
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Code maps the kind onto the wire taxonomy.
func (e *Error) Code() string {
	switch e.Kind {
	case KindTimeout:
		return CodeTimeout
	case KindRateLimit:
		return CodeRateLimit
	case KindServer:
		return CodeServer
	case KindParse:
		return CodeParse
	default:
		return CodeProcessing
	}
}

// statusError tags an error from an HTTP status code.
func statusError(provider string, status int, msg string) *Error {
	kind := KindOther
	switch {
	case status == 429:
		kind = KindRateLimit
	case status >= 500:
		kind = KindServer
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Msg: msg}
}

// transportError tags a failed round trip. Context deadline and net timeouts
// become KindTimeout; everything else stays KindOther.
func transportError(provider string, err error) *Error {
	kind := KindOther
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Provider: provider, Msg: "request failed", Err: err}
}

// parseError tags an unusable provider response body.
func parseError(provider string, err error) *Error {
	return &Error{Kind: KindParse, Provider: provider, Msg: "unparseable response", Err: err}
}

// CodeFor returns the wire code for any error, falling back to the
// catch-all when err is not a tagged provider error.
func CodeFor(err error) string {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Code()
	}
	return CodeProcessing
}

// Retryable reports whether a later attempt could plausibly succeed.
func Retryable(err error) bool {
	var aiErr *Error
	if !errors.As(err, &aiErr) {
		return false
	}
	switch aiErr.Kind {
	case KindTimeout, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}
