package siteapp

import (
	"sync"
	"time"

	"github.com/r3e-network/siterun/internal/config"
	"github.com/r3e-network/siterun/internal/logging"
	"github.com/r3e-network/siterun/internal/metrics"
	"github.com/r3e-network/siterun/internal/notify"
	"github.com/r3e-network/siterun/internal/pipeline"
	"github.com/r3e-network/siterun/internal/stats"
	"github.com/r3e-network/siterun/internal/store"
)

// Shared holds everything a config.Tree's sites hold in common: store
// connections keyed by path (two sites naming the same dbPath share one
// Store rather than each opening their own watcher on the same file),
// default headers every site's own headers are merged over, the mail/sms
// collaborators, and an optional registry of custom-middleware code names a
// site's handler list can reference by Kind.
type Shared struct {
	Headers map[string]string
	Mailer  notify.Mailer
	SMS     notify.SMSSender
	Metrics *metrics.Metrics

	// CustomHandlers maps a HandlerConfig.Kind code name (anything other
	// than "content"/"api") to the middleware it selects. Populated by the
	// embedder (cmd/siterun) before sites are constructed; a site whose
	// config names a kind absent here fails to build.
	CustomHandlers map[string]pipeline.Handler

	mu     sync.Mutex
	stores map[string]*store.Store
}

// NewShared builds the cross-site collaborators from a config tree's shared
// section. m is the process-wide metrics singleton every site's request
// handling reports into.
func NewShared(cfg config.SharedConfig, m *metrics.Metrics) *Shared {
	return &Shared{
		Headers:        cfg.Headers,
		Mailer:         notify.NewHTTPMailer(notify.HTTPClientConfig{Endpoint: cfg.Mail.BaseURL}),
		SMS:            notify.NewHTTPSMSSender(notify.HTTPClientConfig{Endpoint: cfg.SMS.BaseURL}),
		Metrics:        m,
		CustomHandlers: map[string]pipeline.Handler{},
		stores:         map[string]*store.Store{},
	}
}

// OpenStore returns the already-open Store for path, opening and caching a
// new one on first reference.
func (s *Shared) OpenStore(path string, logger *logging.Logger) (*store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[path]; ok {
		return st, nil
	}
	st, err := store.Open(path, logger)
	if err != nil {
		return nil, err
	}
	s.stores[path] = st
	return st, nil
}

// CloseStores closes every distinct Store opened through OpenStore.
func (s *Shared) CloseStores() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.stores {
		_ = st.Close()
	}
}

// newActivityTracker builds a site's stats.Tracker, shared by its
// Authenticator and its ApiWare instance so !info's login-history merge
// reflects that site's own Authenticator decisions.
func newActivityTracker() *stats.Tracker {
	return stats.New(func() int64 { return time.Now().Unix() })
}
