// Package apierr defines the error kinds the pipeline funnel understands.
//
// Middleware never panics for control flow; it returns one of these through
// the normal error result instead, and the pipeline funnel (internal/pipeline)
// maps it to a canonical JSON envelope.
package apierr

import "fmt"

// Kind is one of the closed set of error kinds the funnel recognizes.
type Kind int

const (
	// KindHTTPStatus carries an arbitrary status with no specific kind.
	KindHTTPStatus Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindPayloadTooLarge
	KindNotImplemented
	KindInternal
)

// Error is the single error type every middleware and component returns.
// It carries enough information for the pipeline funnel to produce the
// canonical {error,code,msg,detail} envelope described in .
type Error struct {
	Kind   Kind
	Status int
	Msg    string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Msg, e.Detail)
	}
	return e.Msg
}

// WithDetail attaches additional detail and returns the same error for chaining.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

func newErr(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, Msg: msg}
}

func BadRequest(msg string) *Error        { return newErr(KindBadRequest, 400, msg) }
func Unauthorized(msg string) *Error      { return newErr(KindUnauthorized, 401, msg) }
func Forbidden(msg string) *Error         { return newErr(KindForbidden, 403, msg) }
func NotFound(msg string) *Error          { return newErr(KindNotFound, 404, msg) }
func MethodNotAllowed(msg string) *Error  { return newErr(KindMethodNotAllowed, 405, msg) }
func PayloadTooLarge(msg string) *Error   { return newErr(KindPayloadTooLarge, 413, msg) }
func NotImplemented(msg string) *Error    { return newErr(KindNotImplemented, 501, msg) }
func Internal(msg string) *Error          { return newErr(KindInternal, 500, msg) }
func Status(status int, msg string) *Error {
	return newErr(KindHTTPStatus, status, msg)
}

// As attempts to unwrap err into an *Error, returning (nil, false) when err
// is not one of ours so callers can fall back to a generic 500.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	e, ok := err.(*Error)
	return e, ok
}

// Envelope is the wire shape written to the client on error.
type Envelope struct {
	Error  bool   `json:"error"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Envelope() Envelope {
	return Envelope{Error: true, Code: e.Status, Msg: e.Msg, Detail: e.Detail}
}
