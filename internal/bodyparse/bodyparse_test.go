package bodyparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/siterun/internal/apierr"
)

func testOpts(t *testing.T) Options {
	t.Helper()
	return Options{RequestMax: 1 << 20, UploadMax: 1 << 20, TempDir: t.TempDir()}
}

func TestParseJSONPlainBody(t *testing.T) {
	v, err := ParseJSON(strings.NewReader(`{"a":1,"b":["x","y"]}`), testOpts(t))
	require.NoError(t, err)
	m := v.(map[string]interface{})
	require.Equal(t, float64(1), m["a"])
}

func TestParseJSONMalformedBody(t *testing.T) {
	_, err := ParseJSON(strings.NewReader(`{"a":`), testOpts(t))
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, 400, ae.Status)
}

func TestParseJSONExtractsEmbeddedDataURL(t *testing.T) {
	payload := []byte("hello world, this is the file body")
	encoded := base64.StdEncoding.EncodeToString(payload)
	body := fmt.Sprintf(`{"avatar":"data:image/png;base64,%s","name":"alice"}`, encoded)

	opts := testOpts(t)
	v, err := ParseJSON(strings.NewReader(body), opts)
	require.NoError(t, err)

	m := v.(map[string]interface{})
	require.Equal(t, "alice", m["name"])

	ref, ok := m["avatar"].(map[string]interface{})
	require.True(t, ok, "embedded data url must be replaced by a {size,tag,tempFile,mime,encoding} object")
	require.Equal(t, "image/png", ref["mime"])
	require.Equal(t, "base64", ref["encoding"])
	require.Equal(t, float64(len(payload)), ref["size"])

	data, err := os.ReadFile(ref["tempFile"].(string))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestParseJSONDataURLRespectsUploadMax(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	encoded := base64.StdEncoding.EncodeToString(payload)
	body := fmt.Sprintf(`{"file":"data:text/plain;base64,%s"}`, encoded)

	opts := testOpts(t)
	opts.UploadMax = 10

	_, err := ParseJSON(strings.NewReader(body), opts)
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, 413, ae.Status)

	entries, _ := os.ReadDir(opts.TempDir)
	require.Empty(t, entries, "an overrun data url payload must not leave a partial temp file")
}

func TestParseJSONIgnoresNonDataURLStringStartingWithData(t *testing.T) {
	v, err := ParseJSON(strings.NewReader(`{"note":"data about something, not a url"}`), testOpts(t))
	require.NoError(t, err)
	m := v.(map[string]interface{})
	require.Equal(t, "data about something, not a url", m["note"])
}

func TestParseJSONRequestMaxOverrun(t *testing.T) {
	opts := testOpts(t)
	opts.RequestMax = 4
	_, err := ParseJSON(strings.NewReader(`{"a":"too long a body"}`), opts)
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, 413, ae.Status)
}

func buildMultipart(t *testing.T, fields map[string]string, fileName, fileContent string) (body *bytes.Buffer, boundary string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := w.CreateFormFile("upload", fileName)
		require.NoError(t, err)
		_, err = fw.Write([]byte(fileContent))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.Boundary()
}

func TestParseMultipartFieldsAndFile(t *testing.T) {
	buf, boundary := buildMultipart(t, map[string]string{"username": "alice"}, "photo.png", "binary-content")

	res, err := ParseMultipart(buf, boundary, testOpts(t))
	require.NoError(t, err)
	require.Equal(t, "alice", res.Fields["username"])
	require.Len(t, res.Files, 1)
	require.Equal(t, "photo.png", res.Files[0].Filename)

	data, err := os.ReadFile(res.Files[0].TempFile)
	require.NoError(t, err)
	require.Equal(t, "binary-content", string(data))
}

func TestParseMultipartUploadOverrun(t *testing.T) {
	buf, boundary := buildMultipart(t, nil, "big.bin", strings.Repeat("a", 1000))

	opts := testOpts(t)
	opts.UploadMax = 10

	_, err := ParseMultipart(buf, boundary, opts)
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, 413, ae.Status)

	entries, _ := os.ReadDir(opts.TempDir)
	require.Empty(t, entries, "an exceeded upload must not leave a partial temp file behind")
}

func TestParseMultipartMissingBoundaryViaDispatch(t *testing.T) {
	_, err := Parsed("multipart/form-data", strings.NewReader(""), testOpts(t))
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, 400, ae.Status)
}

func TestParseURLEncoded(t *testing.T) {
	v, err := Parsed("application/x-www-form-urlencoded", strings.NewReader("a=1&b=2&b=3"), testOpts(t))
	require.NoError(t, err)
	m := v.(map[string]interface{})
	require.Equal(t, "1", m["a"])
	require.Equal(t, []string{"2", "3"}, m["b"])
}

func TestParseText(t *testing.T) {
	v, err := Parsed("text/plain", strings.NewReader("hello"), testOpts(t))
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestParseOctet(t *testing.T) {
	opts := testOpts(t)
	v, err := Parsed("application/octet-stream", strings.NewReader("binary"), opts)
	require.NoError(t, err)
	ref := v.(FileRef)
	require.Equal(t, int64(len("binary")), ref.Size)
	data, err := os.ReadFile(ref.TempFile)
	require.NoError(t, err)
	require.Equal(t, "binary", string(data))
}

func TestParseOctetOverrun(t *testing.T) {
	opts := testOpts(t)
	opts.UploadMax = 2
	_, err := Parsed("application/octet-stream", strings.NewReader("binary"), opts)
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, 413, ae.Status)

	entries, _ := os.ReadDir(opts.TempDir)
	require.Empty(t, entries)
}

func TestUnknownContentType(t *testing.T) {
	_, err := Parsed("application/x-weird", strings.NewReader(""), testOpts(t))
	require.Error(t, err)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, 501, ae.Status)
}

func TestNewTempNameShapeAndUniqueness(t *testing.T) {
	a, err := newTempName()
	require.NoError(t, err)
	require.Len(t, a, 12) // 8 chars + ".tmp"
	require.True(t, strings.HasSuffix(a, ".tmp"))

	b, err := newTempName()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
