package cache

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("cache-test-secret")

func TestFingerprintChangesWithInputs(t *testing.T) {
	now := time.Now()
	a := Fingerprint(testSecret, "/a", 10, now)
	b := Fingerprint(testSecret, "/a", 11, now)
	c := Fingerprint(testSecret, "/a", 10, now.Add(time.Second))
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, a, Fingerprint(testSecret, "/a", 10, now), "same inputs must fingerprint identically")
}

func TestCachePutGetDelete(t *testing.T) {
	c := New(testSecret, 1<<20, 0)
	e := &Entry{AbsPath: "/tmp/x", Raw: []byte("hi")}
	c.Put(e)
	require.Equal(t, e, c.Get("/tmp/x"))
	require.Equal(t, 1, c.Len())

	c.Delete("/tmp/x")
	require.Nil(t, c.Get("/tmp/x"))
	require.Equal(t, 0, c.Len())
}

func TestCacheRespectsLimit(t *testing.T) {
	c := New(testSecret, 1<<20, 1)
	c.Put(&Entry{AbsPath: "/a"})
	c.Put(&Entry{AbsPath: "/b"})
	require.Equal(t, 1, c.Len())
	require.NotNil(t, c.Get("/a"))
	require.Nil(t, c.Get("/b"), "a full cache must not retain a new entry past its limit")
}

func TestEntryStale(t *testing.T) {
	mtime := time.Now()
	e := &Entry{Size: 100, Mtime: mtime}
	require.False(t, e.Stale(100, mtime))
	require.True(t, e.Stale(101, mtime))
	require.True(t, e.Stale(100, mtime.Add(time.Minute)))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBuffersBelowCeilingAndGzipsCompressible(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "index.html", "<html>hello</html>")

	e, err := Load(testSecret, path, "/index.html", 1<<20, nil)
	require.NoError(t, err)
	require.False(t, e.Streaming())
	require.Equal(t, []byte("<html>hello</html>"), e.Raw)
	require.NotNil(t, e.Gzip)

	gr, err := gzip.NewReader(bytes.NewReader(e.Gzip))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Equal(t, e.Raw, decompressed)
}

func TestLoadStreamsAboveCeiling(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.html", "0123456789")

	e, err := Load(testSecret, path, "/big.html", 5, nil)
	require.NoError(t, err)
	require.True(t, e.Streaming())
	require.Nil(t, e.Raw)
	require.Nil(t, e.Gzip)
}

func TestLoadSkipsGzipForNonCompressibleExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "photo.png", "not-really-a-png")

	e, err := Load(testSecret, path, "/photo.png", 1<<20, nil)
	require.NoError(t, err)
	require.Nil(t, e.Gzip)
}

func TestNotModifiedByETag(t *testing.T) {
	e := &Entry{Tag: "abc123", Mtime: time.Now()}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-None-Match", e.EtagStrong())
	require.True(t, e.NotModified(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("If-None-Match", `"someone-else"`)
	require.False(t, e.NotModified(r2))
}

func TestNotModifiedByLastModified(t *testing.T) {
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	e := &Entry{Tag: "abc", Mtime: mtime}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-Modified-Since", mtime.UTC().Format(http.TimeFormat))
	require.True(t, e.NotModified(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("If-Modified-Since", mtime.Add(-2*time.Hour).UTC().Format(http.TimeFormat))
	require.False(t, e.NotModified(r2))
}

func TestAcceptsGzip(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Encoding", "br, gzip")
	require.True(t, AcceptsGzip(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Accept-Encoding", "br")
	require.False(t, AcceptsGzip(r2))
}

func TestStreamFileGzipsOnTheFly(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stream.html", "streamed content")

	rec := httptest.NewRecorder()
	n, err := StreamFile(rec, path, true, nil)
	require.NoError(t, err)
	require.Greater(t, n, int64(0))
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Equal(t, "streamed content", string(body))
}

func TestStreamFilePassthroughWithoutGzip(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stream.png", "binary-ish")

	rec := httptest.NewRecorder()
	_, err := StreamFile(rec, path, true, nil)
	require.NoError(t, err)
	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, "binary-ish", rec.Body.String())
}
