package nativeware

import (
	"sync"

	"github.com/r3e-network/siterun/internal/pipeline"
)

// Analytics holds the three concurrent counter namespaces logAnalytics
// increments: ip, page, user. Counts are exposed as a snapshot for
// ApiWare's `!` info route to merge in for `server`-authorized callers.
type Analytics struct {
	mu   sync.Mutex
	ip   map[string]int64
	page map[string]int64
	user map[string]int64
}

func NewAnalytics() *Analytics {
	return &Analytics{
		ip:   map[string]int64{},
		page: map[string]int64{},
		user: map[string]int64{},
	}
}

func (a *Analytics) record(key string, bucket map[string]int64) {
	if key == "" {
		return
	}
	a.mu.Lock()
	bucket[key]++
	a.mu.Unlock()
}

// Snapshot returns a deep copy of all three counter namespaces.
func (a *Analytics) Snapshot() map[string]map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := func(m map[string]int64) map[string]int64 {
		out := make(map[string]int64, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return map[string]map[string]int64{
		"ip":   cp(a.ip),
		"page": cp(a.page),
		"user": cp(a.user),
	}
}

// LogAnalytics implements logAnalytics: increments ip/page/user counters
// and always continues the chain.
type LogAnalytics struct {
	Analytics *Analytics
}

func NewLogAnalytics(a *Analytics) *LogAnalytics { return &LogAnalytics{Analytics: a} }

func (l *LogAnalytics) Handle(ctx *pipeline.Context, next pipeline.Next) (interface{}, error) {
	l.Analytics.record(ctx.RemoteIP, l.Analytics.ip)
	l.Analytics.record(ctx.URL.Pathname, l.Analytics.page)
	if ctx.User != nil {
		l.Analytics.record(ctx.User.Username, l.Analytics.user)
	}
	return next()
}
