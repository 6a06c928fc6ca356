// Package pipeline implements the per-request Context, the
// insertion-order router with mid-chain delegation, the middleware chain,
// response serialization, and the error funnel.
package pipeline

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/r3e-network/siterun/internal/logging"
)

// URLParts is the parsed-URL piece of Context.
type URLParts struct {
	Origin   string
	Host     string
	Hostname string
	Port     string
	Pathname string
	Search   string
	Query    url.Values
}

// AuthKind is the recognized authentication method of a request.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBasic  AuthKind = "basic"
	AuthBearer AuthKind = "bearer"
)

// User is the public profile installed into Context on successful
// authentication — it never carries credentials.
type User struct {
	Username string
	Member   []string
	Status   string
	Extra    map[string]interface{}
}

// Context is the per-request value threaded through the middleware chain.
type Context struct {
	Request    *http.Request
	Response   http.ResponseWriter
	URL        URLParts
	RemoteIP   string
	RemotePort string
	Debug      bool // trailing "!" in the URL,

	AuthKind      AuthKind
	Authenticated bool
	User          *User

	Params map[string]string

	Logger *logging.Logger

	// State is free-form per-request scratch space middlewares use to pass
	// data to later middlewares (e.g. the parsed body).
	State map[string]interface{}

	headersSent bool
}

// Authorize reports whether the current user's member groups intersect
// allowed, or contain "admin" (an admin always passes regardless of allowed).
func (c *Context) Authorize(allowed ...string) bool {
	if c.User == nil {
		return false
	}
	for _, m := range c.User.Member {
		if m == "admin" {
			return true
		}
		for _, a := range allowed {
			if m == a {
				return true
			}
		}
	}
	return false
}

// HeadersSent reports whether a response has already been written to the
// client, used by the error funnel to decide whether it may still write a
// JSON error body.
func (c *Context) HeadersSent() bool { return c.headersSent }

// MarkHeadersSent records that response headers/body have been written.
func (c *Context) MarkHeadersSent() { c.headersSent = true }

// NewContext builds a Context from an inbound *http.Request.
func NewContext(w http.ResponseWriter, r *http.Request, logger *logging.Logger) *Context {
	pathname := r.URL.Path
	debug := false
	if strings.HasSuffix(pathname, "!") {
		debug = true
		pathname = strings.TrimSuffix(pathname, "!")
	}

	hostname, port := r.URL.Hostname(), r.URL.Port()
	if hostname == "" {
		hostname, port = splitHostPort(r.Host)
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	remoteIP, remotePort := remoteAddr(r)

	return &Context{
		Request:  r,
		Response: w,
		URL: URLParts{
			Origin:   scheme + "://" + r.Host,
			Host:     r.Host,
			Hostname: hostname,
			Port:     port,
			Pathname: pathname,
			Search:   r.URL.RawQuery,
			Query:    r.URL.Query(),
		},
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		Debug:      debug,
		AuthKind:   AuthNone,
		Params:     map[string]string{},
		Logger:     logger,
		State:      map[string]interface{}{},
	}
}

func splitHostPort(hostport string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return host, port
}

// remoteAddr honors X-Forwarded-For when present, else falls back to the
// transport address.
func remoteAddr(r *http.Request) (ip string, port string) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		return first, ""
	}
	host, p, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, ""
	}
	return host, p
}
