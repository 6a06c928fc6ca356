package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/r3e-network/siterun/internal/apierr"
)

// Handler is the capability every route entry binds to: a single-method
// interface in place of dynamic dispatch by string key. Handle may call
// next to delegate to the next matching route.
type Handler interface {
	Handle(ctx *Context, next Next) (interface{}, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx *Context, next Next) (interface{}, error)

func (f HandlerFunc) Handle(ctx *Context, next Next) (interface{}, error) { return f(ctx, next) }

// Next invokes the rest of the route chain — the next matching route after
// the current one, or a 404 once the route table is exhausted.
type Next func() (interface{}, error)

// Route is one entry of a Router's table.
type Route struct {
	Method  string // "any", "get", "post", ... (case-insensitive)
	Pattern string
	Handler Handler

	matcher *regexp.Regexp
	names   []string
}

// paramToken matches one `:name(regex)?` segment; compilePattern translates
// an Express-style pattern (`/:name(regex)?`
// with `*` splats) into an anchored regexp with named capture groups.
var paramToken = regexp.MustCompile(`^:([A-Za-z_][A-Za-z0-9_]*)(\([^)]*\))?(\?)?$`)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	var b strings.Builder
	b.WriteString("^")
	splatIdx := 0
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		switch {
		case seg == "*":
			b.WriteString("/(?P<splat")
			b.WriteString(strconv.Itoa(splatIdx))
			b.WriteString(">.*)")
			splatIdx++
		case strings.HasPrefix(seg, ":"):
			m := paramToken.FindStringSubmatch(seg)
			if m == nil {
				b.WriteString("/" + regexp.QuoteMeta(seg))
				continue
			}
			name, inner, optional := m[1], m[2], m[3] == "?"
			sub := "[^/]+"
			if inner != "" {
				sub = inner[1 : len(inner)-1]
			}
			piece := "/(?P<" + name + ">" + sub + ")"
			if optional {
				piece = "(?:" + piece + ")?"
			}
			b.WriteString(piece)
		default:
			b.WriteString("/" + regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("/?$")
	return regexp.Compile(b.String())
}

// Router holds Routes and evaluates them in insertion order.
type Router struct {
	routes []*Route
}

// NewRouter builds an empty Router.
func NewRouter() *Router { return &Router{} }

// Handle registers a route. method is "any", "get", "post", etc.
func (r *Router) Handle(method, pattern string, h Handler) error {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	r.routes = append(r.routes, &Route{
		Method:  strings.ToLower(method),
		Pattern: pattern,
		Handler: h,
		matcher: matcher,
		names:   matcher.SubexpNames(),
	})
	return nil
}

// verbMatches implements "verb matching": get also matches head;
// any matches all.
func verbMatches(routeMethod, reqMethod string) bool {
	reqMethod = strings.ToLower(reqMethod)
	if routeMethod == "any" {
		return true
	}
	if routeMethod == "get" && reqMethod == "head" {
		return true
	}
	return routeMethod == reqMethod
}

// Dispatch runs the chain starting from the first route. Exhaustion of the
// route table yields 404.
func (r *Router) Dispatch(ctx *Context) (interface{}, error) {
	return r.dispatchFrom(ctx, 0)
}

func (r *Router) dispatchFrom(ctx *Context, start int) (interface{}, error) {
	for i := start; i < len(r.routes); i++ {
		route := r.routes[i]
		if !verbMatches(route.Method, ctx.Request.Method) {
			continue
		}
		m := route.matcher.FindStringSubmatch(ctx.URL.Pathname)
		if m == nil {
			continue
		}
		params := map[string]string{}
		for idx, name := range route.names {
			if name == "" || idx >= len(m) {
				continue
			}
			params[name] = m[idx]
		}
		ctx.Params = params
		next := func() (interface{}, error) { return r.dispatchFrom(ctx, i+1) }
		return route.Handler.Handle(ctx, next)
	}
	return nil, apierr.NotFound("no route matched " + ctx.URL.Pathname)
}
