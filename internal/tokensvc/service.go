package tokensvc

import (
	"crypto/rand"
	"time"
)

// Service is the stateful TokenSvc: it owns the default signing secret, the
// default expiry, the bcrypt cost, and the login-attempt throttle.
type Service struct {
	bcryptCost int
	secret     []byte
	expirySec  int
	allowRenew bool

	throttle *throttle

	// now is overridable in tests; defaults to time.Now().Unix().
	now func() int64
}

// Config parametrizes a Service, mirroring config.TokenConfig.
type Config struct {
	Secret         []byte // nil/empty => a random 256-bit secret is generated
	ExpirySeconds  int    // default 7 days
	AllowRenewal   bool
	BcryptCost     int
	ThrottleAfter  int           // lock once failures exceed this; default 3 (locks on the 5th attempt)
	ThrottleWindow time.Duration // default 10 minutes
}

// New constructs a Service from cfg, generating a random secret when none is
// supplied.
func New(cfg Config) (*Service, error) {
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	expiry := cfg.ExpirySeconds
	if expiry == 0 {
		expiry = 7 * 24 * 3600
	}
	after := cfg.ThrottleAfter
	if after == 0 {
		// : "if count > 3 ... fail the attempt" — the 4th failure
		// itself still reports plain auth failure; the lock engages on the
		// next (5th) attempt, so the threshold is 3, not 4.
		after = 3
	}
	window := cfg.ThrottleWindow
	if window == 0 {
		window = 10 * time.Minute
	}
	return &Service{
		bcryptCost: cfg.BcryptCost,
		secret:     secret,
		expirySec:  expiry,
		allowRenew: cfg.AllowRenewal,
		throttle:   newThrottle(after, window),
		now:        func() int64 { return time.Now().Unix() },
	}, nil
}

func (s *Service) AllowRenewal() bool { return s.allowRenew }
