package cache

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// StreamFile serves a file too large to buffer,
// gzip-on-the-fly when the client accepts it and the extension qualifies.
func StreamFile(w http.ResponseWriter, absPath string, acceptGzip bool, compressible map[string]bool) (int64, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if compressible == nil {
		compressible = DefaultCompressible
	}
	ext := strings.ToLower(filepath.Ext(absPath))

	if acceptGzip && compressible[ext] {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		w.Header().Del("Content-Length") // length unknown ahead of on-the-fly compression
		gw := gzip.NewWriter(w)
		defer gw.Close()
		return io.Copy(gw, f)
	}

	return io.Copy(w, f)
}
