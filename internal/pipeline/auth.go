package pipeline

import (
	"encoding/base64"
	"strings"

	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/stats"
	"github.com/r3e-network/siterun/internal/store"
	"github.com/r3e-network/siterun/internal/tokensvc"
)

// Authenticator implements authentication step: Basic decodes
// user:pw and checks password/short-code against the store; Bearer verifies
// a signed token and installs its payload as the user.
type Authenticator struct {
	Store      *store.Store
	Tokens     *tokensvc.Service
	UserRecipe string // recipe name used to look a user up by username

	// Activity records login outcomes for ApiWare's `!` info route to merge
	// in for `server`-authorized callers. Nil is fine: Tracker's methods are
	// nil-safe no-ops.
	Activity *stats.Tracker
}

// Authenticate mutates ctx in place. A returned error means the request
// must be rejected outright (e.g. an account lock); a nil error with
// ctx.Authenticated==false means the request may still proceed
// unauthenticated, "else mark authenticated=false and
// continue."
func (a *Authenticator) Authenticate(ctx *Context) error {
	header := ctx.Request.Header.Get("Authorization")
	if header == "" {
		ctx.Authenticated = false
		return nil
	}
	switch {
	case strings.HasPrefix(header, "Basic "):
		return a.authenticateBasic(ctx, strings.TrimPrefix(header, "Basic "))
	case strings.HasPrefix(header, "Bearer "):
		return a.authenticateBearer(ctx, strings.TrimPrefix(header, "Bearer "))
	default:
		ctx.Authenticated = false
		return nil
	}
}

func (a *Authenticator) authenticateBasic(ctx *Context, encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		ctx.Authenticated = false
		return nil
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		ctx.Authenticated = false
		return nil
	}
	username, password := parts[0], parts[1]

	// Check-then-verify: an already-locked account fails before the
	// password is even checked.
	if a.Tokens.Locked(username) {
		a.Activity.RecordLogin(username, false, true)
		return apierr.Unauthorized("Account locked")
	}

	record, found := a.lookupUser(username)
	if !found {
		return a.fail(username)
	}
	if status, _ := record["status"].(string); status != "ACTIVE" {
		return a.fail(username)
	}

	creds, _ := record["credentials"].(map[string]interface{})
	if !a.verifyCredentials(creds, password) {
		return a.fail(username)
	}

	a.Tokens.RecordAttempt(username, tokensvc.AttemptSuccess)
	a.Activity.RecordLogin(username, true, false)
	ctx.AuthKind = AuthBasic
	ctx.Authenticated = true
	ctx.User = userFromRecord(record)
	return nil
}

func (a *Authenticator) verifyCredentials(creds map[string]interface{}, password string) bool {
	if creds == nil {
		return false
	}
	if hash, _ := creds["hash"].(string); hash != "" && a.Tokens.CheckPW(password, hash) {
		return true
	}
	passcode, _ := creds["passcode"].(map[string]interface{})
	if passcode == nil {
		return false
	}
	code, _ := passcode["code"].(string)
	iat := toInt64(passcode["iat"])
	exp := toInt64(passcode["exp"])
	return a.Tokens.CheckCode(password, tokensvc.Code{Code: code, IAT: iat, Exp: exp})
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// fail records a login failure into the throttle and reports either plain
// auth failure or an account lock, depending on whether this attempt trips
// the threshold.
func (a *Authenticator) fail(username string) error {
	if a.Tokens.RecordAttempt(username, tokensvc.AttemptFail) {
		a.Activity.RecordLogin(username, false, true)
		return apierr.Unauthorized("Account locked")
	}
	a.Activity.RecordLogin(username, false, false)
	return apierr.Unauthorized("Authentication failed")
}

func (a *Authenticator) lookupUser(username string) (map[string]interface{}, bool) {
	recipe, ok := a.Store.Lookup(a.UserRecipe)
	if !ok {
		return nil, false
	}
	result := a.Store.Query(recipe, map[string]interface{}{"ref": username})
	switch v := result.(type) {
	case map[string]interface{}:
		if len(v) == 0 {
			return nil, false
		}
		return v, true
	case []interface{}:
		if len(v) == 0 {
			return nil, false
		}
		rec, ok := v[0].(map[string]interface{})
		return rec, ok
	default:
		return nil, false
	}
}

func (a *Authenticator) authenticateBearer(ctx *Context, token string) error {
	payload := a.Tokens.VerifyToken(token, nil)
	if payload == nil {
		return apierr.Unauthorized("invalid or expired token")
	}
	ctx.AuthKind = AuthBearer
	ctx.Authenticated = true
	ctx.User = userFromRecord(payload)
	return nil
}

// userFromRecord builds a User from a store record or a token payload,
// never carrying the credentials field into Context.
func userFromRecord(record map[string]interface{}) *User {
	u := &User{Extra: map[string]interface{}{}}
	for k, v := range record {
		switch k {
		case "credentials":
			continue
		case "username":
			u.Username, _ = v.(string)
		case "status":
			u.Status, _ = v.(string)
		case "member":
			if arr, ok := v.([]interface{}); ok {
				for _, m := range arr {
					if s, ok := m.(string); ok {
						u.Member = append(u.Member, s)
					}
				}
			}
		default:
			u.Extra[k] = v
		}
	}
	return u
}
