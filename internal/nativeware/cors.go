package nativeware

import (
	"strings"

	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/pipeline"
)

// CORSConfig configures the cors middleware as an exact-origin allowlist,
// not an allow-all/suffix-match policy.
type CORSConfig struct {
	Origins     []string // required; exact-match allowlist, no wildcard/suffix
	Headers     []string
	Methods     []string
	Credentials bool
}

// CORS implements cors middleware: no Origin header continues
// the chain untouched; an origin outside Origins is rejected; an allowed
// origin gets the exact-origin echo plus wildcard expose-headers; OPTIONS
// preflight additionally sets the allow-methods/headers/credentials trio
// and terminates with a body-less response.
type CORS struct {
	cfg CORSConfig
}

func NewCORS(cfg CORSConfig) *CORS { return &CORS{cfg: cfg} }

func (c *CORS) Handle(ctx *pipeline.Context, next pipeline.Next) (interface{}, error) {
	origin := ctx.Request.Header.Get("Origin")
	if origin == "" {
		return next()
	}
	if !c.originAllowed(origin) {
		return nil, apierr.Forbidden("origin not allowed")
	}

	h := ctx.Response.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Expose-Headers", "*")

	if ctx.Request.Method == "OPTIONS" {
		h.Set("Access-Control-Allow-Methods", strings.Join(c.cfg.Methods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(c.cfg.Headers, ", "))
		if c.cfg.Credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		return &pipeline.Response{Status: 204, NoBody: true}, nil
	}

	return next()
}

func (c *CORS) originAllowed(origin string) bool {
	for _, o := range c.cfg.Origins {
		if o == origin {
			return true
		}
	}
	return false
}
