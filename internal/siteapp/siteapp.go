// Package siteapp assembles one site's route table and request pipeline
// from its config and a Shared set of cross-site collaborators, then serves
// it over its own HTTP listener.
package siteapp

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/r3e-network/siterun/internal/apiware"
	"github.com/r3e-network/siterun/internal/bodyparse"
	"github.com/r3e-network/siterun/internal/cache"
	"github.com/r3e-network/siterun/internal/config"
	"github.com/r3e-network/siterun/internal/logging"
	"github.com/r3e-network/siterun/internal/metrics"
	"github.com/r3e-network/siterun/internal/nativeware"
	"github.com/r3e-network/siterun/internal/pipeline"
	"github.com/r3e-network/siterun/internal/stats"
	"github.com/r3e-network/siterun/internal/store"
	"github.com/r3e-network/siterun/internal/tokensvc"
)

const (
	defaultCacheMax   = 5 << 20 // 5MiB per-entry ceiling above which Content streams instead of buffering
	defaultCacheLimit = 10000   // entries
	defaultRequestMax = 10 << 20
	defaultUploadMax  = 200 << 20
)

// Site is one constructed SiteApp: its own Store/Tokens/Cache, route table,
// and HTTP listener.
type Site struct {
	Name    string
	Headers map[string]string

	Store     *store.Store
	Tokens    *tokensvc.Service
	Cache     *cache.Cache
	Activity  *stats.Tracker
	Analytics *nativeware.Analytics
	Metrics   *metrics.Metrics

	Logger        *logging.Logger
	Authenticator *pipeline.Authenticator
	Router        *pipeline.Router
	Redirect      *pipeline.RedirectRule

	bodyOpts               bodyparse.Options
	cacheFingerprintSecret []byte
	srv                    *http.Server
}

// Build constructs a Site from cfg, opening (or reusing) its Store through
// shared and merging shared.Headers under cfg.Headers.
func Build(cfg config.SiteConfig, shared *Shared, logger *logging.Logger) (*Site, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("siteapp %s: dbPath is required", cfg.Name)
	}
	st, err := shared.OpenStore(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("siteapp %s: open store: %w", cfg.Name, err)
	}

	tokens, err := tokensvc.New(tokenConfig(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("siteapp %s: build token service: %w", cfg.Name, err)
	}

	cacheSecret := make([]byte, 32)
	if _, err := rand.Read(cacheSecret); err != nil {
		return nil, fmt.Errorf("siteapp %s: generate cache secret: %w", cfg.Name, err)
	}

	site := &Site{
		Name:                   cfg.Name,
		Headers:                mergeHeaders(shared.Headers, cfg.Headers),
		Store:                  st,
		Tokens:                 tokens,
		Cache:                  cache.New(cacheSecret, defaultCacheMax, defaultCacheLimit),
		Activity:               newActivityTracker(),
		Analytics:              nativeware.NewAnalytics(),
		Logger:                 logger,
		Metrics:                shared.Metrics,
		bodyOpts:               bodyparse.Options{RequestMax: defaultRequestMax, UploadMax: defaultUploadMax},
		cacheFingerprintSecret: cacheSecret,
	}
	site.Authenticator = &pipeline.Authenticator{
		Store: st, Tokens: tokens, UserRecipe: "users", Activity: site.Activity,
	}

	router, err := site.buildRouter(cfg, shared)
	if err != nil {
		return nil, fmt.Errorf("siteapp %s: %w", cfg.Name, err)
	}
	site.Router = router

	site.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: site,
	}
	return site, nil
}

func tokenConfig(t config.TokenConfig) tokensvc.Config {
	return tokensvc.Config{
		Secret:         []byte(t.Secret),
		ExpirySeconds:  t.ExpirySeconds,
		AllowRenewal:   t.AllowRenewal,
		BcryptCost:     t.BcryptCost,
		ThrottleAfter:  t.ThrottleAfter,
		ThrottleWindow: t.ThrottleWindow,
	}
}

// mergeHeaders layers site over shared, key by key.
func mergeHeaders(shared, site map[string]string) map[string]string {
	out := make(map[string]string, len(shared)+len(site))
	for k, v := range shared {
		out[k] = v
	}
	for k, v := range site {
		out[k] = v
	}
	return out
}

// buildRouter assembles the route table in construction order: analytics →
// cors → (if auth enabled) account + login → user-configured handlers →
// default open content middleware if cfg.Root is set. Every built-in entry
// is registered against the catch-all "/*" pattern except account, which
// needs the router's own named captures for action/user/opt; user-configured
// handlers use their configured route ("/*" when empty). Each handler either
// terminates the chain or calls next() to fall through to the next entry,
// "mid-chain delegation" in the pipeline package comment's words.
func (s *Site) buildRouter(cfg config.SiteConfig, shared *Shared) (*pipeline.Router, error) {
	router := pipeline.NewRouter()

	if err := router.Handle("any", "/*", nativeware.NewLogAnalytics(s.Analytics)); err != nil {
		return nil, err
	}
	if err := router.Handle("any", "/*", nativeware.NewCORS(corsConfig(cfg.CORS))); err != nil {
		return nil, err
	}

	if cfg.AuthOn {
		account := &nativeware.Account{
			Store: s.Store, Tokens: s.Tokens, Mailer: shared.Mailer, SMS: shared.SMS, UserRecipe: "users",
		}
		if err := router.Handle("any", "/user/:action/:user?/:opt?", account); err != nil {
			return nil, err
		}
		if err := router.Handle("any", "/*", nativeware.NewLogin(s.Tokens)); err != nil {
			return nil, err
		}
	}

	for _, h := range cfg.Handlers {
		handler, err := s.resolveHandler(h, shared)
		if err != nil {
			return nil, err
		}
		route := h.Route
		if route == "" {
			route = "/*"
		}
		if err := router.Handle("any", route, handler); err != nil {
			return nil, fmt.Errorf("handler %s: %w", h.Kind, err)
		}
	}

	if cfg.Root != "" {
		content := nativeware.NewContent(nativeware.ContentConfig{Root: cfg.Root}, s.Cache, s.cacheSecretForContent())
		if err := router.Handle("any", "/*", content); err != nil {
			return nil, err
		}
	}

	return router, nil
}

func (s *Site) resolveHandler(h config.HandlerConfig, shared *Shared) (pipeline.Handler, error) {
	switch h.Kind {
	case "content":
		root := h.Root
		return nativeware.NewContent(nativeware.ContentConfig{Root: root}, s.Cache, s.cacheSecretForContent()), nil
	case "api":
		return &apiware.ApiWare{
			Store: s.Store, Tokens: s.Tokens, Mailer: shared.Mailer, SMS: shared.SMS,
			Cache: s.Cache, Logger: s.Logger, Activity: s.Activity, Analytics: s.Analytics,
			UserRecipe: "users",
		}, nil
	default:
		handler, ok := shared.CustomHandlers[h.Kind]
		if !ok {
			return nil, fmt.Errorf("no custom middleware registered for kind %q", h.Kind)
		}
		return handler, nil
	}
}

// cacheSecretForContent hands Content the same HMAC secret the Site's Cache
// was constructed with; Cache doesn't expose it back, so it's tracked
// alongside the Site instead of re-derived.
func (s *Site) cacheSecretForContent() []byte { return s.cacheFingerprintSecret }

func corsConfig(c config.CORSConfig) nativeware.CORSConfig {
	return nativeware.CORSConfig{
		Origins: c.Origins, Headers: c.Headers, Methods: c.Methods, Credentials: c.Credentials,
	}
}

// statusRecorder captures the status code Serve writes, for the duration
// histogram's status label; every response path in pipeline.Serve calls
// WriteHeader explicitly, so there's no implicit-200 case to special-case.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ServeHTTP is the site's http.Handler: builds a Context, authenticates,
// parses the body when present, dispatches through the route table, and
// serves the result or error.
func (s *Site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.Metrics != nil {
		s.Metrics.IncrementInFlight()
		defer s.Metrics.DecrementInFlight()
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	ctx := pipeline.NewContext(rec, r, s.Logger)
	for k, v := range s.Headers {
		ctx.Response.Header().Set(k, v)
	}

	var result interface{}
	err := s.Authenticator.Authenticate(ctx)
	if err == nil && hasBody(r) {
		var parsed interface{}
		parsed, err = bodyparse.Parsed(r.Header.Get("Content-Type"), r.Body, s.bodyOpts)
		if err == nil {
			ctx.State["body"] = parsed
		}
	}
	if err == nil {
		result, err = s.Router.Dispatch(ctx)
	}

	// A handler (Content's file/stream path) may have already written the
	// response directly and returned (nil, nil); Serve's success path has
	// no such guard, so skip it here rather than double-serve. An error
	// still goes through Serve, which itself only logs once headers are
	// sent.
	if err != nil || !ctx.HeadersSent() {
		pipeline.Serve(ctx, result, err, s.Redirect)
	}
	s.finish(ctx, rec.status, start)
}

func (s *Site) finish(ctx *pipeline.Context, status int, start time.Time) {
	elapsed := time.Since(start)
	if s.Logger != nil {
		s.Logger.LogRequest(ctx.Request.Context(), ctx.Request.Method, ctx.URL.Pathname, status, elapsed)
	}
	if s.Metrics != nil {
		s.Metrics.HTTPDuration.WithLabelValues(s.Name, ctx.Request.Method, ctx.URL.Pathname, strconv.Itoa(status)).Observe(elapsed.Seconds())
	}
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return r.ContentLength != 0
	default:
		return false
	}
}

// Start runs the site's HTTP listener until ctx is canceled, then drains
// in-flight connections via http.Server.Shutdown.
func (s *Site) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
