// Package stats holds small in-memory counters: per-IP probe counts and
// recent login outcomes, which ApiWare's `!` info route merges in for
// `server`-authorized callers from the Tracker it is given. Neither is a good fit for a Prometheus counter
// (both need to be read back and enumerated as JSON, not just scraped), so
// they live here as plain mutex-guarded maps/slices, the same shape as
// nativeware.Analytics.
package stats

import "sync"

// LoginEvent is one recorded authentication outcome.
type LoginEvent struct {
	User    string `json:"user"`
	Success bool   `json:"success"`
	Locked  bool   `json:"locked"`
	At      int64  `json:"at"`
}

const maxLoginHistory = 200

// Tracker accumulates blacklist and login-history counters. A Proxy keeps
// its own Tracker for probe counts; each site keeps a separate one, shared
// by its Authenticator and ApiWare, so a site's `!` info route does not see
// the Proxy's probe counts. All methods are safe for
// concurrent use; a nil *Tracker is safe to call RecordBlacklist/RecordLogin
// on and simply discards the observation, so collaborators can carry an
// optional Tracker field without a nil-check at every call site.
type Tracker struct {
	mu        sync.Mutex
	blacklist map[string]int64
	history   []LoginEvent
	now       func() int64
}

func New(now func() int64) *Tracker {
	return &Tracker{blacklist: map[string]int64{}, now: now}
}

// RecordBlacklist increments the probe count for ip.
func (t *Tracker) RecordBlacklist(ip string) {
	if t == nil || ip == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blacklist[ip]++
}

// RecordLogin appends a login outcome, evicting the oldest entry once the
// history exceeds maxLoginHistory.
func (t *Tracker) RecordLogin(user string, success, locked bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	at := int64(0)
	if t.now != nil {
		at = t.now()
	}
	t.history = append(t.history, LoginEvent{User: user, Success: success, Locked: locked, At: at})
	if len(t.history) > maxLoginHistory {
		t.history = t.history[len(t.history)-maxLoginHistory:]
	}
}

// Snapshot returns a deep copy of the blacklist map and login history.
func (t *Tracker) Snapshot() (blacklist map[string]int64, history []LoginEvent) {
	if t == nil {
		return map[string]int64{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	blacklist = make(map[string]int64, len(t.blacklist))
	for k, v := range t.blacklist {
		blacklist[k] = v
	}
	history = append([]LoginEvent(nil), t.history...)
	return blacklist, history
}
