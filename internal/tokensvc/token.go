package tokensvc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// signingMethod does the actual HMAC-SHA256 sign/verify; the
// rest of this file builds the custom header.payload.signature shape 
// requires, where "exp" is a duration in seconds from "iat" rather than an
// absolute timestamp — incompatible with jwt/v5's built-in RegisteredClaims
// expiry check, so only the low-level Sign/Verify primitives are reused.
var signingMethod = jwt.SigningMethodHS256

// CreateToken mints a compact three-part HMAC-SHA256 token carrying payload
// plus iat/exp/ext,. secret/expSec override the Service defaults
// when non-zero/non-empty.
func (s *Service) CreateToken(payload interface{}, secret []byte, expSec int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	merged := map[string]interface{}{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return "", errors.New("tokensvc: payload must marshal to a JSON object")
	}

	if len(secret) == 0 {
		secret = s.secret
	}
	if expSec == 0 {
		expSec = s.expirySec
	}

	merged["iat"] = s.now()
	merged["exp"] = expSec
	merged["ext"] = s.allowRenew

	payloadBytes, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerBytes, _ := json.Marshal(header)

	signingInput := b64(headerBytes) + "." + b64(payloadBytes)
	sig, err := signingMethod.Sign(signingInput, secret)
	if err != nil {
		return "", err
	}
	return signingInput + "." + b64(sig), nil
}

// VerifyToken recomputes the signature and rejects expired tokens, returning
// the decoded payload map on success or nil otherwise.
func (s *Service) VerifyToken(token string, secret []byte) map[string]interface{} {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	if len(secret) == 0 {
		secret = s.secret
	}
	signingInput := parts[0] + "." + parts[1]
	sig, err := unb64(parts[2])
	if err != nil {
		return nil
	}
	if err := signingMethod.Verify(signingInput, sig, secret); err != nil {
		return nil
	}

	payloadBytes, err := unb64(parts[1])
	if err != nil {
		return nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil
	}
	iat, _ := payload["iat"].(float64)
	exp, _ := payload["exp"].(float64)
	if int64(iat)+int64(exp) <= s.now() {
		return nil
	}
	return payload
}

// Extracted is the parse-only result of Extract.
type Extracted struct {
	Header    map[string]interface{}
	Payload   map[string]interface{}
	Signature string
}

// Extract parses a token's three parts without validating signature or
// expiry, for diagnostic/debug use.
func Extract(token string) (*Extracted, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("tokensvc: malformed token")
	}
	headerBytes, err := unb64(parts[0])
	if err != nil {
		return nil, err
	}
	payloadBytes, err := unb64(parts[1])
	if err != nil {
		return nil, err
	}
	var header, payload map[string]interface{}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, err
	}
	return &Extracted{Header: header, Payload: payload, Signature: parts[2]}, nil
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
