package siteapp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/siterun/internal/config"
	"github.com/r3e-network/siterun/internal/logging"
	"github.com/r3e-network/siterun/internal/metrics"
)

func writeSeedFile(t *testing.T, dir string) string {
	t.Helper()
	seed := map[string]interface{}{
		"recipes": []interface{}{
			map[string]interface{}{"name": "users", "expression": "$.users[?(@.username == $ref)]", "collection": "users"},
		},
		"users": []interface{}{
			map[string]interface{}{"username": "alice", "status": "ACTIVE", "member": []interface{}{"editor"}, "credentials": map[string]interface{}{}},
		},
	}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	path := filepath.Join(dir, "store.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testShared(t *testing.T) *Shared {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewShared(config.SharedConfig{Headers: map[string]string{"X-Shared": "1"}}, m)
}

func TestBuildRejectsMissingDBPath(t *testing.T) {
	_, err := Build(config.SiteConfig{Name: "nodb"}, testShared(t), logging.New(nil))
	require.Error(t, err)
}

func TestBuildOpenContentSiteServesRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello world"), 0o644))
	dbPath := writeSeedFile(t, t.TempDir())

	site, err := Build(config.SiteConfig{
		Name: "static", Host: "localhost", Port: 8080, DBPath: dbPath, Root: dir,
	}, testShared(t), logging.New(nil))
	require.NoError(t, err)
	require.Equal(t, "1", site.Headers["X-Shared"])

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	site.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hello world")
	require.Equal(t, "1", rec.Header().Get("X-Shared"))
}

func TestBuildSiteHeadersOverrideSharedHeaders(t *testing.T) {
	dbPath := writeSeedFile(t, t.TempDir())
	site, err := Build(config.SiteConfig{
		Name: "override", Host: "localhost", Port: 8081, DBPath: dbPath,
		Headers: map[string]string{"X-Shared": "site-value"},
	}, testShared(t), logging.New(nil))
	require.NoError(t, err)
	require.Equal(t, "site-value", site.Headers["X-Shared"])
}

func TestBuildUnknownCustomHandlerKindFails(t *testing.T) {
	dbPath := writeSeedFile(t, t.TempDir())
	_, err := Build(config.SiteConfig{
		Name: "custom", Host: "localhost", Port: 8082, DBPath: dbPath,
		Handlers: []config.HandlerConfig{{Kind: "widget"}},
	}, testShared(t), logging.New(nil))
	require.Error(t, err)
}

func TestBuildAPIHandlerReturnsNotFoundForUnknownRecipe(t *testing.T) {
	dbPath := writeSeedFile(t, t.TempDir())
	site, err := Build(config.SiteConfig{
		Name: "api", Host: "localhost", Port: 8083, DBPath: dbPath,
		Handlers: []config.HandlerConfig{{Kind: "api", Route: "/*"}},
	}, testShared(t), logging.New(nil))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/$missing", nil)
	site.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPRecordsMetricsAndLogsStatus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("ok"), 0o644))
	dbPath := writeSeedFile(t, t.TempDir())
	shared := testShared(t)

	site, err := Build(config.SiteConfig{
		Name: "metrics-site", Host: "localhost", Port: 8084, DBPath: dbPath, Root: dir,
	}, shared, logging.New(nil))
	require.NoError(t, err)

	before := testutilGatherHistogramCount(t, shared.Metrics)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	site.ServeHTTP(rec, req)
	after := testutilGatherHistogramCount(t, shared.Metrics)
	require.Greater(t, after, before)
}

// testutilGatherHistogramCount sums the sample count across every label
// combination of HTTPDuration, avoiding a dependency on exact label values.
func testutilGatherHistogramCount(t *testing.T, m *metrics.Metrics) uint64 {
	t.Helper()
	metricCh := make(chan prometheus.Metric, 16)
	go func() {
		m.HTTPDuration.Collect(metricCh)
		close(metricCh)
	}()
	var total uint64
	for metric := range metricCh {
		var out dto.Metric
		require.NoError(t, metric.Write(&out))
		if out.Histogram != nil {
			total += out.Histogram.GetSampleCount()
		}
	}
	return total
}

func TestCorsConfigMapsFields(t *testing.T) {
	c := config.CORSConfig{Origins: []string{"*"}, Headers: []string{"X-Test"}, Methods: []string{"GET"}, Credentials: true}
	mapped := corsConfig(c)
	require.Equal(t, []string{"*"}, mapped.Origins)
	require.Equal(t, []string{"X-Test"}, mapped.Headers)
	require.Equal(t, []string{"GET"}, mapped.Methods)
	require.True(t, mapped.Credentials)
}

func TestHasBodyFalseForGET(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.False(t, hasBody(req))
}

func TestStatusRecorderCapturesWrittenCode(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusTeapot)
	require.Equal(t, http.StatusTeapot, sr.status)
	require.Equal(t, http.StatusTeapot, rec.Code)
}
