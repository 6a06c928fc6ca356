// Package bodyparse implements streaming request-body parsers
// dispatched by content-type, each enforcing a total in-memory ceiling
// (requestMax) and, where the body streams to disk, a per-file ceiling
// (uploadMax).
//
// A parser removes a partial temp file when its stream fails or overruns
// uploadMax; the temp files of a completed parse are left for the pipeline
// to move or remove.
package bodyparse

import (
	"bufio"
	"io"
	"mime"
	"net/url"
	"strings"

	"github.com/r3e-network/siterun/internal/apierr"
)

// Options parametrizes every parser in this package.
type Options struct {
	RequestMax int64  // total in-memory body ceiling
	UploadMax  int64  // per-file streamed-upload ceiling
	TempDir    string // directory temp files are created under
}

// FileRef describes one file streamed to disk during parsing,
// multipart/octet shapes.
type FileRef struct {
	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime,omitempty"`
	TempFile string `json:"tempFile"`
	Size     int64  `json:"size"`
}

// MultipartResult is the shape returned by ParseMultipart: named fields plus
// a files array.
type MultipartResult struct {
	Fields map[string]string `json:"fields"`
	Files  []FileRef         `json:"files"`
}

// Parsed dispatches r to the parser matching contentType, enforcing opts'
// ceilings as it streams. Unknown content types return 501.
func Parsed(contentType string, r io.Reader, opts Options) (interface{}, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	mt = strings.ToLower(mt)

	switch {
	case mt == "application/json":
		return ParseJSON(r, opts)
	case mt == "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, apierr.BadRequest("multipart/form-data body missing boundary")
		}
		return ParseMultipart(r, boundary, opts)
	case mt == "application/x-www-form-urlencoded":
		return parseURLEncoded(r, opts)
	case strings.HasPrefix(mt, "text/"):
		return parseText(r, opts)
	case mt == "application/octet-stream" || mt == "":
		return parseOctet(r, opts)
	default:
		return nil, apierr.NotImplemented("unsupported content-type: " + mt)
	}
}

// readLimited reads at most max+1 bytes so an overrun is detectable without
// buffering an unbounded body; max<=0 means "no ceiling".
func readLimited(r io.Reader, max int64) ([]byte, bool, error) {
	if max <= 0 {
		b, err := io.ReadAll(r)
		return b, false, err
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(b)) > max {
		return b[:max], true, nil
	}
	return b, false, nil
}

func parseURLEncoded(r io.Reader, opts Options) (map[string]interface{}, error) {
	body, overrun, err := readLimited(r, opts.RequestMax)
	if err != nil {
		return nil, apierr.Internal("failed to read request body").WithDetail(err.Error())
	}
	if overrun {
		return nil, apierr.PayloadTooLarge("request body exceeds requestMax")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, apierr.BadRequest("malformed urlencoded body").WithDetail(err.Error())
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func parseText(r io.Reader, opts Options) (string, error) {
	body, overrun, err := readLimited(r, opts.RequestMax)
	if err != nil {
		return "", apierr.Internal("failed to read request body").WithDetail(err.Error())
	}
	if overrun {
		return "", apierr.PayloadTooLarge("request body exceeds requestMax")
	}
	return string(body), nil
}

// parseOctet streams r straight to a temp file up to uploadMax and reports
// back the temp path and byte count.
func parseOctet(r io.Reader, opts Options) (FileRef, error) {
	br := bufio.NewReader(r)
	path, size, overrun, err := streamToTempFile(opts.TempDir, br, opts.UploadMax)
	if err != nil {
		return FileRef{}, apierr.Internal("failed to stream upload to disk").WithDetail(err.Error())
	}
	if overrun {
		removeTempFile(path)
		return FileRef{}, apierr.PayloadTooLarge("upload exceeds uploadMax")
	}
	return FileRef{TempFile: path, Size: size}, nil
}
