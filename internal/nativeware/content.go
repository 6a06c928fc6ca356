package nativeware

import (
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/bodyparse"
	"github.com/r3e-network/siterun/internal/cache"
	"github.com/r3e-network/siterun/internal/pipeline"
)

// ContentConfig mirrors content middleware options.
type ContentConfig struct {
	Root       string
	Auth       string // "", "getAuth", "postAuth"
	CacheHeader string
	Compress   []string // extensions; empty uses cache.DefaultCompressible
	Index      string   // default "index.html"
	Indexing   bool
}

// Content implements content middleware: conditional-GET static
// file serving through internal/cache, and POST multipart uploads under
// Root.
type Content struct {
	cfg          ContentConfig
	cache        *cache.Cache
	secret       []byte
	compressible map[string]bool
}

func NewContent(cfg ContentConfig, c *cache.Cache, secret []byte) *Content {
	ct := &Content{cfg: cfg, cache: c, secret: secret}
	if cfg.Index == "" {
		ct.cfg.Index = "index.html"
	}
	if len(cfg.Compress) == 0 {
		ct.compressible = cache.DefaultCompressible
	} else {
		ct.compressible = make(map[string]bool, len(cfg.Compress))
		for _, ext := range cfg.Compress {
			ct.compressible[strings.ToLower(ext)] = true
		}
	}
	return ct
}

func (c *Content) Handle(ctx *pipeline.Context, next pipeline.Next) (interface{}, error) {
	switch ctx.Request.Method {
	case http.MethodGet, http.MethodHead:
		return c.serveGet(ctx, next)
	case http.MethodPost:
		if c.cfg.Auth == "postAuth" && !ctx.Authenticated {
			return nil, apierr.Unauthorized("authentication required")
		}
		return c.serveUpload(ctx)
	default:
		return next()
	}
}

func (c *Content) serveGet(ctx *pipeline.Context, next pipeline.Next) (interface{}, error) {
	if c.cfg.Auth == "getAuth" && !ctx.Authenticated {
		return nil, apierr.Unauthorized("authentication required")
	}

	absPath, err := safeJoin(c.cfg.Root, ctx.URL.Pathname)
	if err != nil {
		return nil, apierr.Forbidden("path escapes root")
	}

	st, err := os.Lstat(absPath)
	if err != nil {
		return nil, apierr.NotFound("not found")
	}
	if st.Mode()&os.ModeSymlink != 0 {
		return next()
	}

	if st.IsDir() {
		idx := filepath.Join(absPath, c.cfg.Index)
		if ist, err := os.Stat(idx); err == nil && !ist.IsDir() {
			absPath, st = idx, ist
		} else if c.cfg.Indexing {
			return c.listDir(absPath, ctx.URL.Pathname)
		} else {
			return nil, apierr.Forbidden("directory listing disabled")
		}
	}

	entry := c.cache.Get(absPath)
	if entry == nil || entry.Stale(st.Size(), st.ModTime()) {
		loaded, err := cache.Load(c.secret, absPath, ctx.URL.Pathname, c.cache.Max, c.compressible)
		if err != nil {
			return nil, apierr.Internal("failed to read file").WithDetail(err.Error())
		}
		c.cache.Put(loaded)
		entry = loaded
	}

	if entry.NotModified(ctx.Request) {
		entry.WriteHeaders(ctx.Response, c.cfg.CacheHeader, false)
		ctx.Response.WriteHeader(http.StatusNotModified)
		ctx.MarkHeadersSent()
		return nil, nil
	}

	acceptGzip := cache.AcceptsGzip(ctx.Request)

	if entry.Streaming() {
		entry.WriteHeaders(ctx.Response, c.cfg.CacheHeader, false)
		ctx.MarkHeadersSent()
		if ctx.Request.Method == http.MethodHead {
			ctx.Response.WriteHeader(http.StatusOK)
			return nil, nil
		}
		_, _ = cache.StreamFile(ctx.Response, entry.AbsPath, acceptGzip, c.compressible)
		return nil, nil
	}

	useGzip := acceptGzip && entry.Gzip != nil
	body := entry.Raw
	if useGzip {
		body = entry.Gzip
	}
	entry.WriteHeaders(ctx.Response, c.cfg.CacheHeader, useGzip)
	ctx.Response.Header().Set("Content-Length", strconv.Itoa(len(body)))
	ctx.MarkHeadersSent()
	if ctx.Request.Method == http.MethodHead {
		ctx.Response.WriteHeader(http.StatusOK)
		return nil, nil
	}
	_, _ = ctx.Response.Write(body)
	return nil, nil
}

func (c *Content) listDir(absPath, urlPath string) (interface{}, error) {
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return nil, apierr.Internal("failed to list directory").WithDetail(err.Error())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return map[string]interface{}{"path": urlPath, "entries": names}, nil
}

func (c *Content) serveUpload(ctx *pipeline.Context) (interface{}, error) {
	raw, ok := ctx.State["body"]
	if !ok {
		return nil, apierr.BadRequest("missing upload body")
	}
	mp, ok := raw.(bodyparse.MultipartResult)
	if !ok {
		return nil, apierr.BadRequest("upload requires multipart/form-data")
	}

	destDir, err := safeJoin(c.cfg.Root, path.Join(ctx.URL.Pathname, mp.Fields["folder"]))
	if err != nil {
		return nil, apierr.Forbidden("path escapes root")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, apierr.Internal("failed to create destination directory").WithDetail(err.Error())
	}

	force := mp.Fields["force"] != ""
	backup := mp.Fields["backup"]

	results := make([]map[string]interface{}, 0, len(mp.Files))
	for _, f := range mp.Files {
		dest := filepath.Join(destDir, f.Filename)
		if _, statErr := os.Stat(dest); statErr == nil {
			if !force && backup == "" {
				results = append(results, map[string]interface{}{"file": f.Filename, "status": "skipped"})
				continue
			}
			if backup != "" {
				if err := copyFile(dest, filepath.Join(destDir, backup)); err != nil {
					return nil, apierr.Internal("failed to back up existing file").WithDetail(err.Error())
				}
			}
		}
		if err := os.Rename(f.TempFile, dest); err != nil {
			if err := copyFile(f.TempFile, dest); err != nil {
				return nil, apierr.Internal("failed to store upload").WithDetail(err.Error())
			}
			_ = os.Remove(f.TempFile)
		}
		results = append(results, map[string]interface{}{"file": f.Filename, "status": "written"})
	}
	return map[string]interface{}{"files": results}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// safeJoin resolves rel under root, rejecting any path that would escape
// root via ".." traversal.
func safeJoin(root, rel string) (string, error) {
	if c := path.Clean(strings.TrimLeft(rel, "/")); c == ".." || strings.HasPrefix(c, "../") {
		return "", os.ErrPermission
	}
	cleaned := path.Clean("/" + rel)
	full := filepath.Join(root, cleaned)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", os.ErrPermission
	}
	return fullAbs, nil
}
