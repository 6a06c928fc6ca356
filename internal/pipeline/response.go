package pipeline

import "io"

// Response is the "typed response context" a middleware may return instead
// of a bare payload, response serialization: "If the
// middleware returned a typed response context (already-constructed
// content and headers), merge headers; if streaming, pipe through a
// byte-counter; else write the buffered payload with exact Content-Length."
type Response struct {
	Status  int
	Headers map[string]string

	Body   []byte    // buffered payload; mutually exclusive with Stream
	Stream io.Reader // set for a streaming response (e.g. a cached file)

	// NoBody marks a response that must carry no body regardless of Body/
	// Stream (CORS preflight's "204-style null response", HEAD requests).
	NoBody bool
}

// StatusResponse is a bare HTTP status with no body, "Non-
// error codes <400 emit a status-only response."
type StatusResponse struct {
	Status int
}
