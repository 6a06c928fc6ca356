package nativeware

import (
	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/pipeline"
	"github.com/r3e-network/siterun/internal/tokensvc"
)

// Login implements login middleware, bound to /login and
// /logout. Logout always returns {}; login requires an already-
// authenticated request (Basic or Bearer) and mints a fresh token carrying
// the user's public profile.
type Login struct {
	Tokens *tokensvc.Service
}

func NewLogin(tokens *tokensvc.Service) *Login { return &Login{Tokens: tokens} }

func (l *Login) Handle(ctx *pipeline.Context, next pipeline.Next) (interface{}, error) {
	switch ctx.URL.Pathname {
	case "/logout":
		return map[string]interface{}{}, nil
	case "/login":
		return l.login(ctx)
	default:
		return next()
	}
}

func (l *Login) login(ctx *pipeline.Context) (interface{}, error) {
	if !ctx.Authenticated {
		return nil, apierr.Unauthorized("Authentication required")
	}
	if ctx.AuthKind == pipeline.AuthBearer && !l.Tokens.AllowRenewal() {
		return nil, apierr.Unauthorized("Token renewal requires login")
	}

	profile := publicProfile(ctx.User)
	token, err := l.Tokens.CreateToken(profile, nil, 0)
	if err != nil {
		return nil, apierr.Internal("failed to mint token").WithDetail(err.Error())
	}

	payload := l.Tokens.VerifyToken(token, nil)
	ctx.Response.Header().Set("Authorization", "Bearer "+token)
	return map[string]interface{}{"token": token, "payload": payload}, nil
}

// publicProfile renders a User the way it's carried as a token payload:
// username, member, status, plus any extra recipe-defined fields, never
// credentials.
func publicProfile(u *pipeline.User) map[string]interface{} {
	if u == nil {
		return map[string]interface{}{}
	}
	p := map[string]interface{}{
		"username": u.Username,
		"member":   u.Member,
		"status":   u.Status,
	}
	for k, v := range u.Extra {
		p[k] = v
	}
	return p
}
