package pipeline

import (
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/r3e-network/siterun/internal/apierr"
)

// RedirectRule is the optional "redirect policy" error funnel
// describes: "when code is 404 and a redirect rewrite is configured, emit
// 301 to the rewritten URL."
type RedirectRule struct {
	Pattern string
	Replace string
}

// byteCounterWriter wraps an io.Writer, counting bytes for the streamed-
// response log line, "pipe through a byte-counter (for
// logging)".
type byteCounterWriter struct {
	w     io.Writer
	count int64
}

func (b *byteCounterWriter) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	b.count += int64(n)
	return n, err
}

// Serve writes result/err to ctx.Response: response serialization and the
// error funnel in one pass. A *Response is
// written as buffered bytes or streamed through a byte-counter; a bare
// payload is JSON-encoded (the whole Context when ctx.Debug is set); an
// error is funneled to the canonical envelope unless headers were already
// sent, in which case it is only logged.
func Serve(ctx *Context, result interface{}, err error, redirect *RedirectRule) {
	if err != nil {
		serveError(ctx, err, redirect)
		return
	}

	switch v := result.(type) {
	case *Response:
		serveTyped(ctx, v)
	case *StatusResponse:
		ctx.Response.WriteHeader(v.Status)
		ctx.MarkHeadersSent()
	default:
		serveJSON(ctx, result, http.StatusOK)
	}
}

func serveTyped(ctx *Context, resp *Response) {
	h := ctx.Response.Header()
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	if resp.NoBody {
		ctx.Response.WriteHeader(status)
		ctx.MarkHeadersSent()
		return
	}

	if resp.Stream != nil {
		ctx.Response.WriteHeader(status)
		ctx.MarkHeadersSent()
		counter := &byteCounterWriter{w: ctx.Response}
		if ctx.Request.Method != http.MethodHead {
			_, _ = io.Copy(counter, resp.Stream)
		}
		if ctx.Logger != nil {
			ctx.Logger.Debug("streamed response", map[string]interface{}{
				"path": ctx.URL.Pathname, "bytes": counter.count,
			})
		}
		return
	}

	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	ctx.Response.WriteHeader(status)
	ctx.MarkHeadersSent()
	if ctx.Request.Method != http.MethodHead {
		_, _ = ctx.Response.Write(resp.Body)
	}
}

// serveJSON implements default serialization path: "serialize
// the payload as JSON ... When debug flag is set, serialize the entire
// context instead of just the payload."
func serveJSON(ctx *Context, payload interface{}, status int) {
	target := payload
	if ctx.Debug {
		target = map[string]interface{}{
			"payload": payload,
			"params":  ctx.Params,
			"url":     ctx.URL,
			"user":    ctx.User,
		}
	}
	body, err := json.Marshal(target)
	if err != nil {
		serveError(ctx, apierr.Internal("failed to serialize response").WithDetail(err.Error()), nil)
		return
	}
	h := ctx.Response.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	ctx.Response.WriteHeader(status)
	ctx.MarkHeadersSent()
	if ctx.Request.Method != http.MethodHead {
		_, _ = ctx.Response.Write(body)
	}
}

func serveError(ctx *Context, err error, redirect *RedirectRule) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal(err.Error())
	}

	if apiErr.Status == http.StatusNotFound && redirect != nil {
		rewritten, changed := rewriteURL(ctx.URL.Pathname, redirect)
		if changed {
			ctx.Response.Header().Set("Location", rewritten)
			ctx.Response.WriteHeader(http.StatusMovedPermanently)
			ctx.MarkHeadersSent()
			return
		}
	}

	if apiErr.Status < 400 {
		ctx.Response.WriteHeader(apiErr.Status)
		ctx.MarkHeadersSent()
		return
	}

	if ctx.HeadersSent() {
		if ctx.Logger != nil {
			ctx.Logger.Error("error after headers sent, logging only", err, map[string]interface{}{
				"path": ctx.URL.Pathname,
			})
		}
		return
	}

	env := apiErr.Envelope()
	if !ctx.Debug {
		env.Detail = ""
	}
	body, _ := json.Marshal(env)
	h := ctx.Response.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	ctx.Response.WriteHeader(apiErr.Status)
	ctx.MarkHeadersSent()
	if ctx.Request.Method != http.MethodHead {
		_, _ = ctx.Response.Write(body)
	}
}

