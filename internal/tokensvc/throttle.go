package tokensvc

import (
	"sync"
	"time"
)

// AttemptKind is the outcome of a login attempt fed to the throttle.
type AttemptKind int

const (
	AttemptFail AttemptKind = iota
	AttemptSuccess
)

// throttle implements login-attempt lockout: after more than 3
// failures (i.e. on the 5th attempt) within a rolling window anchored at the
// first failure, further attempts fail with "Account locked" regardless of
// correctness, until a success resets the counter.
//
// This is intentionally a small hand-rolled map rather than
// golang.org/x/time/rate: rate.Limiter enforces an events-per-second budget,
// not "N failures within a rolling window anchored at the first failure" —
// a distinct, stateful policy the rate-limiter abstraction doesn't express.
type throttle struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
	after   int
	window  time.Duration
}

type throttleEntry struct {
	anchor time.Time
	fails  int
}

func newThrottle(after int, window time.Duration) *throttle {
	return &throttle{entries: make(map[string]*throttleEntry), after: after, window: window}
}

// Record registers one attempt for user at time now. It returns true when
// the attempt must be rejected as locked.
func (t *throttle) Record(user string, kind AttemptKind, now time.Time) (locked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[user]
	if !ok {
		e = &throttleEntry{}
		t.entries[user] = e
	}

	if kind == AttemptSuccess {
		e.fails = 0
		e.anchor = time.Time{}
		return false
	}

	if e.fails > 0 && now.Sub(e.anchor) > t.window {
		// Window expired: start a fresh window at this failure.
		e.fails = 0
	}
	if e.fails == 0 {
		e.anchor = now
	}

	// The lock decision reflects the failure count coming into this
	// attempt, not including it: the first four failures still report
	// plain auth failure, only the fifth (with four prior failures
	// already on record) is locked.
	locked = e.fails > t.after
	e.fails++
	return locked
}

// Locked reports whether user is currently locked out without recording a
// new attempt (used by callers that must check-then-verify-password).
func (t *throttle) Locked(user string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[user]
	if !ok {
		return false
	}
	if e.fails > 0 && now.Sub(e.anchor) > t.window {
		return false
	}
	return e.fails > t.after
}

// RecordAttempt is the Service-level entry point used by NativeWare's login
// and BodyParse-adjacent Basic-auth check.
func (s *Service) RecordAttempt(user string, kind AttemptKind) (locked bool) {
	return s.throttle.Record(user, kind, time.Unix(s.now(), 0))
}

// Locked reports whether user is currently locked out.
func (s *Service) Locked(user string) bool {
	return s.throttle.Locked(user, time.Unix(s.now(), 0))
}
