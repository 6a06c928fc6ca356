// Package tokensvc implements password hashing, short codes,
// signed tokens, and login-attempt throttling.
package tokensvc

import "golang.org/x/crypto/bcrypt"

// DefaultBcryptCost satisfies "default >= 2^11 rounds" — bcrypt's
// cost parameter c means 2^c rounds internally, so cost 11 is the floor.
const DefaultBcryptCost = 11

// CreatePW hashes a plaintext password at the configured cost.
func (s *Service) CreatePW(pw string) (string, error) {
	cost := s.bcryptCost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPW reports whether pw matches hash.
func (s *Service) CheckPW(pw, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
