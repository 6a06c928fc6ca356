// Package proxy implements the front-end HTTP/HTTPS listeners: SNI-based
// certificate selection with hot reload, Host-header routing to SiteApps,
// WebSocket passthrough, and per-IP probe/blacklist counters.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/config"
	"github.com/r3e-network/siterun/internal/logging"
	"github.com/r3e-network/siterun/internal/metrics"
	"github.com/r3e-network/siterun/internal/stats"
)

// backend is one routable target: the SiteApp's own listen address.
type backend struct {
	name string
	addr string
}

// Proxy is one front-end listener pair (HTTP + optional HTTPS) routing by
// Host header to the SiteApps named in its config.
type Proxy struct {
	cfg     config.ProxyConfig
	exact   map[string]*backend
	wild    map[string]*backend // suffix (without leading "*.") -> backend
	proxies map[string]*httputil.ReverseProxy

	logger  *logging.Logger
	metrics *metrics.Metrics
	blacklist *stats.Tracker

	probeLimiters   map[string]*rate.Limiter
	probeLimitersMu sync.Mutex

	bundle *certBundle

	mu        sync.RWMutex
	httpSrv   *http.Server
	httpsSrv  *http.Server
}

// SiteAddr is the (host, port) a SiteConfig listens on, decoupled from
// config.SiteConfig so New doesn't need the whole tree.
type SiteAddr struct {
	Name    string
	Host    string
	Port    int
	Aliases []string
}

// New builds a Proxy from cfg, wiring one backend per site named in
// cfg.Sites (and each of that site's aliases as additional routable
// hostnames). A cfg.Sites entry naming a site absent from sites is an
// error at construction time rather than a silent 404 at request time.
func New(cfg config.ProxyConfig, sites []SiteAddr, m *metrics.Metrics, logger *logging.Logger) (*Proxy, error) {
	byName := make(map[string]SiteAddr, len(sites))
	for _, s := range sites {
		byName[s.Name] = s
	}

	p := &Proxy{
		cfg:           cfg,
		exact:         map[string]*backend{},
		wild:          map[string]*backend{},
		proxies:       map[string]*httputil.ReverseProxy{},
		logger:        logger,
		metrics:       m,
		blacklist:     stats.New(func() int64 { return time.Now().Unix() }),
		probeLimiters: map[string]*rate.Limiter{},
	}

	for _, name := range cfg.Sites {
		site, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("proxy %s: no site named %q", cfg.Name, name)
		}
		b := &backend{name: site.Name, addr: fmt.Sprintf("%s:%d", site.Host, site.Port)}
		p.addRoute(site.Host, b)
		for _, alias := range site.Aliases {
			p.addRoute(alias, b)
		}
	}

	if cfg.CertPath != "" {
		bundle, err := newCertBundle(cfg.CertPath, cfg.KeyPath, logger)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", cfg.Name, err)
		}
		p.bundle = bundle
	}

	return p, nil
}

func (p *Proxy) addRoute(host string, b *backend) {
	if strings.HasPrefix(host, "*.") {
		p.wild[strings.TrimPrefix(host, "*.")] = b
		return
	}
	p.exact[host] = b
}

// resolve implements Host lookup: exact match first, then wildcard
// *.suffix (one-label-less), "one-label-less" meaning the wildcard matches
// any single leading label in front of suffix.
func (p *Proxy) resolve(host string) (*backend, bool) {
	host = stripPort(host)
	if b, ok := p.exact[host]; ok {
		return b, true
	}
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		if b, ok := p.wild[host[idx+1:]]; ok {
			return b, true
		}
	}
	return nil, false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// isPrivateIP reports whether ip falls in the RFC1918, loopback, or
// link-local ranges, "the client IP is not in the RFC1918/loopback/
// link-local set." An unparseable ip is treated as not-private so it still
// gets logged/counted.
func isPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsPrivate()
}

// ServeHTTP is the shared handler for both the HTTP and HTTPS listeners.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, ok := p.resolve(r.Host)
	if !ok {
		p.handleMiss(w, r)
		return
	}

	if p.metrics != nil {
		p.metrics.ProxyServed.Inc()
	}

	if isWebSocketUpgrade(r) {
		p.proxyWebSocket(w, r, b.name, b.addr)
		return
	}

	rp := p.reverseProxyFor(b)
	rp.ServeHTTP(w, r)
}

// handleMiss handles an unrecognized Host header: from a non-private IP
// (or any IP when the proxy runs verbose) it increments probes/blacklist
// and logs, then the connection is closed without a response body. A
// per-IP token bucket caps how often a single remote address can trigger
// the log line and counter increments, so one noisy scanner can't flood
// the log.
func (p *Proxy) handleMiss(w http.ResponseWriter, r *http.Request) {
	ip := stripPort(r.RemoteAddr)
	if !isPrivateIP(ip) || p.cfg.Verbose {
		if p.allowProbeLog(ip) {
			if p.metrics != nil {
				p.metrics.ProxyProbes.Inc()
				p.metrics.ProxyBlacklist.WithLabelValues(ip).Inc()
			}
			p.blacklist.RecordBlacklist(ip)
			p.logger.Warn("proxy probe: unrecognized host", map[string]interface{}{
				"host": r.Host, "remote": ip, "path": r.URL.Path,
			})
		}
	}
	hijackClose(w)
}

func (p *Proxy) allowProbeLog(ip string) bool {
	p.probeLimitersMu.Lock()
	defer p.probeLimitersMu.Unlock()
	lim, ok := p.probeLimiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 5)
		p.probeLimiters[ip] = lim
	}
	return lim.Allow()
}

// hijackClose closes the underlying connection outright rather than
// writing any HTTP response, "close the connection."
func hijackClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

// reverseProxyFor returns the cached *httputil.ReverseProxy for b,
// constructing and caching it on first use. Each backend gets its own
// ReverseProxy so Director closures don't need a lookup per request.
func (p *Proxy) reverseProxyFor(b *backend) *httputil.ReverseProxy {
	p.mu.RLock()
	rp, ok := p.proxies[b.addr]
	p.mu.RUnlock()
	if ok {
		return rp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.proxies[b.addr]; ok {
		return rp
	}

	target := &url.URL{Scheme: "http", Host: b.addr}
	rp = httputil.NewSingleHostReverseProxy(target)
	baseDirector := rp.Director
	rp.Director = func(req *http.Request) {
		baseDirector(req)
		addForwardedHeaders(req)
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.reverseProxyError(w, r, b.name, err)
	}
	p.proxies[b.addr] = rp
	return rp
}

// addForwardedHeaders adds X-Forwarded-Host/Proto/For on top of
// NewSingleHostReverseProxy's own Host/scheme rewrite, "forward headers,
// body, and add X-Forwarded-*."
func addForwardedHeaders(r *http.Request) {
	if host := r.Header.Get("X-Forwarded-Host"); host == "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	r.Header.Set("X-Forwarded-Proto", proto)
	if ip := stripPort(r.RemoteAddr); ip != "" {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			r.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			r.Header.Set("X-Forwarded-For", ip)
		}
	}
}

// reverseProxyError implements "Upstream failure: 500 with detail; proxy
// increments errors."
func (p *Proxy) reverseProxyError(w http.ResponseWriter, r *http.Request, site string, err error) {
	if p.metrics != nil {
		p.metrics.ProxyErrors.Inc()
	}
	p.logger.Error("proxy upstream failure", err, map[string]interface{}{"site": site, "host": r.Host, "path": r.URL.Path})

	env := apierr.Internal("upstream request failed").WithDetail(err.Error()).Envelope()
	body, _ := json.Marshal(env)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(body)
}

// Start runs the proxy's HTTP listener and, if a certificate bundle is
// configured, its HTTPS listener, until ctx is canceled.
func (p *Proxy) Start(ctx context.Context) error {
	errCh := make(chan error, 2)
	var started int

	if p.cfg.HTTPPort != 0 {
		p.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", p.cfg.HTTPPort), Handler: p}
		started++
		go func() { errCh <- p.httpSrv.ListenAndServe() }()
	}

	if p.cfg.HTTPSPort != 0 && p.bundle != nil {
		p.httpsSrv = &http.Server{
			Addr:      fmt.Sprintf(":%d", p.cfg.HTTPSPort),
			Handler:   p,
			TLSConfig: tlsConfigWithSNI(p.bundle),
		}
		started++
		go func() { errCh <- p.httpsSrv.ListenAndServeTLS("", "") }()
	}

	if started == 0 {
		return fmt.Errorf("proxy %s: no listener configured", p.cfg.Name)
	}

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		return p.shutdown()
	}
}

func (p *Proxy) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	if p.httpSrv != nil {
		if err := p.httpSrv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.httpsSrv != nil {
		if err := p.httpsSrv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.bundle != nil {
		p.bundle.Close()
	}
	return firstErr
}
