package cache

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultCompressible is the extension allowlist "compress"
// defaults to when a site doesn't override it.
var DefaultCompressible = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true, ".json": true,
	".svg": true, ".txt": true, ".xml": true, ".map": true,
}

// Load stats and reads path, building a fresh Entry. When size >= max the
// Raw/Gzip buffers are left nil (streaming mode); otherwise both buffers are
// populated eagerly so later requests serve from memory with an exact
// Content-Length.
func Load(secret []byte, absPath, urlPath string, max int64, compressible map[string]bool) (*Entry, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	e := &Entry{
		AbsPath: absPath,
		URLPath: urlPath,
		Size:    st.Size(),
		Mtime:   st.ModTime(),
		Mime:    mimeFor(absPath),
		Tag:     Fingerprint(secret, absPath, st.Size(), st.ModTime()),
	}

	if st.Size() >= max {
		return e, nil
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	e.Raw = raw

	if compressible == nil {
		compressible = DefaultCompressible
	}
	if compressible[strings.ToLower(filepath.Ext(absPath))] {
		var buf bytes.Buffer
		gw, _ := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if _, err := gw.Write(raw); err == nil {
			if err := gw.Close(); err == nil {
				e.Gzip = buf.Bytes()
			}
		}
	}

	return e, nil
}

func mimeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// NotModified implements conditional GET: If-None-Match
// (comma-separated ETags, matching tag or tag-gz is sufficient) takes
// precedence over If-Modified-Since per RFC 7232.
func (e *Entry) NotModified(r *http.Request) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "*" || tag == e.EtagStrong() || tag == e.EtagWeak() || tag == e.EtagGzip() {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			return !e.Mtime.Truncate(time.Second).After(t)
		}
	}
	return false
}

// AcceptsGzip reports whether the client's Accept-Encoding permits gzip.
func AcceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(enc) == "gzip" {
			return true
		}
	}
	return false
}

// WriteHeaders sets ETag, Last-Modified, Content-Type, and (when gzipped)
// Content-Encoding/Vary on w.
func (e *Entry) WriteHeaders(w http.ResponseWriter, cacheControl string, gzipped bool) {
	w.Header().Set("ETag", e.EtagStrong())
	w.Header().Set("Last-Modified", e.Mtime.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", e.Mime)
	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}
	if gzipped {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
	}
}
