// Package metrics exposes process-wide prometheus collectors: a per-request
// duration histogram and in-flight gauge, plus Proxy-level counters for
// served requests, errors, probes, and blacklist hits.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a process-wide singleton, constructed once at startup and
// shared by every SiteApp and the Proxy.
type Metrics struct {
	HTTPDuration *prometheus.HistogramVec
	InFlight     prometheus.Gauge

	ProxyServed    prometheus.Counter
	ProxyErrors    prometheus.Counter
	ProxyProbes    prometheus.Counter
	ProxyBlacklist *prometheus.CounterVec

	CacheEntries prometheus.Gauge
}

// New registers all collectors against reg. Pass prometheus.NewRegistry()
// in tests to avoid collisions with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "siterun_http_request_duration_seconds",
			Help: "HTTP request duration by site, method, path template and status.",
		}, []string{"site", "method", "path", "status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siterun_http_in_flight_requests",
			Help: "Number of HTTP requests currently being served.",
		}),
		ProxyServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siterun_proxy_served_total",
			Help: "Connections the proxy routed to a matching SiteApp.",
		}),
		ProxyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siterun_proxy_errors_total",
			Help: "Upstream errors encountered proxying a connection.",
		}),
		ProxyProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siterun_proxy_probes_total",
			Help: "Connections for an unrecognized Host header.",
		}),
		ProxyBlacklist: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siterun_proxy_blacklist_total",
			Help: "Probe count per remote IP.",
		}, []string{"ip"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siterun_cache_entries",
			Help: "Number of file entries currently cached.",
		}),
	}
	reg.MustRegister(m.HTTPDuration, m.InFlight, m.ProxyServed, m.ProxyErrors,
		m.ProxyProbes, m.ProxyBlacklist, m.CacheEntries)
	return m
}

func (m *Metrics) IncrementInFlight() { m.InFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.InFlight.Dec() }
