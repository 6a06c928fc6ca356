package tokensvc

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const digits = "0123456789abcdefghijklmnopqrstuvwxyz"

// Code is a time-limited random alphanumeric credential.
type Code struct {
	Code string `json:"code"`
	IAT  int64  `json:"iat"`
	Exp  int64  `json:"exp"`
}

// GenCode produces a uniformly random string of size characters drawn from
// the first `base` symbols of [0-9a-z] (base <= 36), valid for expMin minutes.
func (s *Service) GenCode(size int, base int, expMin int) (Code, error) {
	if base <= 0 || base > 36 {
		base = 36
	}
	var b strings.Builder
	b.Grow(size)
	for i := 0; i < size; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(base)))
		if err != nil {
			return Code{}, err
		}
		b.WriteByte(digits[n.Int64()])
	}
	now := s.now()
	return Code{
		Code: b.String(),
		IAT:  now,
		Exp:  int64(expMin) * 60,
	}, nil
}

// CheckCode compares a caller-supplied challenge against a stored Code,
// also verifying it has not expired.
func (s *Service) CheckCode(challenge string, stored Code) bool {
	if stored.Code == "" || challenge != stored.Code {
		return false
	}
	return s.now() < stored.IAT+stored.Exp
}
