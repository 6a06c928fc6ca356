package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/logging"
	"github.com/r3e-network/siterun/internal/store"
	"github.com/r3e-network/siterun/internal/tokensvc"
)

func newTestContext(method, target string) (*Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	return NewContext(rec, req, logging.New(nil)), rec
}

func TestNewContextParsesDebugFlagAndStripsIt(t *testing.T) {
	ctx, _ := newTestContext(http.MethodGet, "/sites/demo!")
	require.True(t, ctx.Debug)
	require.Equal(t, "/sites/demo", ctx.URL.Pathname)
}

func TestNewContextNoDebugFlag(t *testing.T) {
	ctx, _ := newTestContext(http.MethodGet, "/sites/demo")
	require.False(t, ctx.Debug)
	require.Equal(t, "/sites/demo", ctx.URL.Pathname)
}

func TestNewContextRemoteIPFromForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	ctx := NewContext(httptest.NewRecorder(), req, logging.New(nil))
	require.Equal(t, "203.0.113.7", ctx.RemoteIP)
}

func TestNewContextRemoteIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "198.51.100.9:4242"
	ctx := NewContext(httptest.NewRecorder(), req, logging.New(nil))
	require.Equal(t, "198.51.100.9", ctx.RemoteIP)
	require.Equal(t, "4242", ctx.RemotePort)
}

func TestAuthorizeAdminAlwaysPasses(t *testing.T) {
	ctx := &Context{User: &User{Member: []string{"admin"}}}
	require.True(t, ctx.Authorize("editors"))
}

func TestAuthorizeIntersection(t *testing.T) {
	ctx := &Context{User: &User{Member: []string{"editors", "users"}}}
	require.True(t, ctx.Authorize("editors", "owners"))
	require.False(t, ctx.Authorize("owners"))
}

func TestAuthorizeNilUser(t *testing.T) {
	ctx := &Context{}
	require.False(t, ctx.Authorize("anything"))
}

// --- route pattern compiler / router ---

func TestCompilePatternLiteral(t *testing.T) {
	re, err := compilePattern("/sites/status")
	require.NoError(t, err)
	require.True(t, re.MatchString("/sites/status"))
	require.False(t, re.MatchString("/sites/status/extra"))
}

func TestCompilePatternNamedSegment(t *testing.T) {
	re, err := compilePattern("/sites/:name")
	require.NoError(t, err)
	m := re.FindStringSubmatch("/sites/demo")
	require.NotNil(t, m)
	idx := -1
	for i, n := range re.SubexpNames() {
		if n == "name" {
			idx = i
		}
	}
	require.Equal(t, "demo", m[idx])
}

func TestCompilePatternOptionalSegment(t *testing.T) {
	re, err := compilePattern("/sites/:name/:rev?")
	require.NoError(t, err)
	require.True(t, re.MatchString("/sites/demo"))
	require.True(t, re.MatchString("/sites/demo/3"))
}

func TestCompilePatternConstrainedSegment(t *testing.T) {
	re, err := compilePattern(`/users/:id(\d+)`)
	require.NoError(t, err)
	require.True(t, re.MatchString("/users/42"))
	require.False(t, re.MatchString("/users/abc"))
}

func TestCompilePatternSplat(t *testing.T) {
	re, err := compilePattern("/assets/*")
	require.NoError(t, err)
	m := re.FindStringSubmatch("/assets/css/app.css")
	require.NotNil(t, m)
	idx := -1
	for i, n := range re.SubexpNames() {
		if n == "splat0" {
			idx = i
		}
	}
	require.Equal(t, "css/app.css", m[idx])
}

func handlerReturning(payload interface{}) Handler {
	return HandlerFunc(func(ctx *Context, next Next) (interface{}, error) {
		return payload, nil
	})
}

func TestRouterDispatchInsertionOrder(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle("get", "/a", handlerReturning("first")))
	require.NoError(t, r.Handle("get", "/:name", handlerReturning("second")))

	ctx, _ := newTestContext(http.MethodGet, "/a")
	result, err := r.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", result)
}

func TestRouterVerbMatchingGetAlsoMatchesHead(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle("get", "/only-get", handlerReturning("ok")))

	ctx, _ := newTestContext(http.MethodHead, "/only-get")
	result, err := r.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}

func TestRouterAnyMatchesAnyVerb(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle("any", "/hook", handlerReturning("hooked")))

	ctx, _ := newTestContext(http.MethodPost, "/hook")
	result, err := r.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "hooked", result)
}

func TestRouterDelegatesViaNext(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle("get", "/x", HandlerFunc(func(ctx *Context, next Next) (interface{}, error) {
		return next()
	})))
	require.NoError(t, r.Handle("get", "/x", handlerReturning("delegated")))

	ctx, _ := newTestContext(http.MethodGet, "/x")
	result, err := r.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "delegated", result)
}

func TestRouterCapturesNamedParams(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle("get", "/sites/:name", HandlerFunc(func(ctx *Context, next Next) (interface{}, error) {
		return ctx.Params["name"], nil
	})))

	ctx, _ := newTestContext(http.MethodGet, "/sites/demo")
	result, err := r.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "demo", result)
}

func TestRouterNotFoundWhenExhausted(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle("get", "/only", handlerReturning("ok")))

	ctx, _ := newTestContext(http.MethodGet, "/nope")
	_, err := r.Dispatch(ctx)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
}

// --- rewrite ---

func TestRewriteURLAppliesMatchingRule(t *testing.T) {
	rule := &RedirectRule{Pattern: `^/old/(.*)$`, Replace: "/new/$1"}
	rewritten, changed := rewriteURL("/old/page", rule)
	require.True(t, changed)
	require.Equal(t, "/new/page", rewritten)
}

func TestRewriteURLNoMatchLeavesPathUnchanged(t *testing.T) {
	rule := &RedirectRule{Pattern: `^/nope$`, Replace: "/new"}
	rewritten, changed := rewriteURL("/old/page", rule)
	require.False(t, changed)
	require.Equal(t, "/old/page", rewritten)
}

func TestApplyRewritesUpdatesContextOnFirstMatch(t *testing.T) {
	ctx, _ := newTestContext(http.MethodGet, "/old/page")
	ApplyRewrites(ctx, []RedirectRule{
		{Pattern: `^/nomatch$`, Replace: "/x"},
		{Pattern: `^/old/(.*)$`, Replace: "/new/$1"},
		{Pattern: `^/old/.*$`, Replace: "/unreached"},
	})
	require.Equal(t, "/new/page", ctx.URL.Pathname)
}

// --- Serve / error funnel ---

func TestServeBufferedResponse(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x")
	Serve(ctx, &Response{Status: http.StatusCreated, Body: []byte("hello"), Headers: map[string]string{"X-Test": "1"}}, nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
	require.Equal(t, "1", rec.Header().Get("X-Test"))
	require.True(t, ctx.HeadersSent())
}

func TestServeStreamedResponse(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x")
	Serve(ctx, &Response{Status: http.StatusOK, Stream: bytes.NewReader([]byte("streamed body"))}, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "streamed body", rec.Body.String())
}

func TestServeNoBodySuppressesPayload(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x")
	Serve(ctx, &Response{Status: http.StatusNoContent, Body: []byte("ignored"), NoBody: true}, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestServeStatusResponse(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x")
	Serve(ctx, &StatusResponse{Status: http.StatusAccepted}, nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServeBarePayloadAsJSON(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x")
	Serve(ctx, map[string]interface{}{"ok": true}, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
}

func TestServeDebugSerializesWholeContext(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x!")
	ctx.Params["id"] = "7"
	Serve(ctx, map[string]interface{}{"ok": true}, nil, nil)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "payload")
	require.Contains(t, body, "params")
	require.Contains(t, body, "url")
}

func TestServeErrorEnvelope(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x")
	Serve(ctx, nil, apierr.BadRequest("bad input"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "bad input", env.Msg)
}

func TestServeNotFoundRedirectsWhenRuleMatches(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/old/thing")
	rule := &RedirectRule{Pattern: `^/old/(.*)$`, Replace: "/new/$1"}
	Serve(ctx, nil, apierr.NotFound("no route"), rule)
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "/new/thing", rec.Header().Get("Location"))
}

func TestServeNotFoundWithoutMatchingRuleFallsBackToEnvelope(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/missing")
	rule := &RedirectRule{Pattern: `^/old/(.*)$`, Replace: "/new/$1"}
	Serve(ctx, nil, apierr.NotFound("no route"), rule)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeNonErrorStatusBelow400IsStatusOnly(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x")
	Serve(ctx, nil, apierr.Status(302, "see other"), nil)
	require.Equal(t, 302, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestServeErrorAfterHeadersSentOnlyLogs(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/x")
	ctx.Response.WriteHeader(http.StatusOK)
	ctx.MarkHeadersSent()
	Serve(ctx, nil, apierr.Internal("too late"), nil)
	// The recorder already has 200 from the first WriteHeader; Serve must not
	// attempt to write a second header/body.
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHeadRequestOmitsBody(t *testing.T) {
	ctx, rec := newTestContext(http.MethodHead, "/x")
	Serve(ctx, &Response{Status: http.StatusOK, Body: []byte("hello")}, nil, nil)
	require.Empty(t, rec.Body.String())
}

// --- authentication ---

func newTestTokenService(t *testing.T) *tokensvc.Service {
	t.Helper()
	svc, err := tokensvc.New(tokensvc.Config{ThrottleAfter: 3})
	require.NoError(t, err)
	return svc
}

func newTestStoreWithUser(t *testing.T, svc *tokensvc.Service, username, password, status string) *store.Store {
	t.Helper()
	hash, err := svc.CreatePW(password)
	require.NoError(t, err)

	dir := t.TempDir()
	seed := map[string]interface{}{
		"recipes": []interface{}{
			map[string]interface{}{
				"name":       "userByName",
				"expression": "$.users[?(@.username == $ref)]",
			},
		},
		"users": []interface{}{
			map[string]interface{}{
				"username": username,
				"status":   status,
				"member":   []interface{}{"users"},
				"credentials": map[string]interface{}{
					"hash": hash,
				},
			},
		},
	}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	path := dir + "/store.json"
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := store.Open(path, logging.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAuthenticateNoHeaderLeavesUnauthenticated(t *testing.T) {
	svc := newTestTokenService(t)
	s := newTestStoreWithUser(t, svc, "alice", "correct horse", "ACTIVE")
	auth := &Authenticator{Store: s, Tokens: svc, UserRecipe: "userByName"}

	ctx, _ := newTestContext(http.MethodGet, "/x")
	require.NoError(t, auth.Authenticate(ctx))
	require.False(t, ctx.Authenticated)
}

func TestAuthenticateBasicSuccess(t *testing.T) {
	svc := newTestTokenService(t)
	s := newTestStoreWithUser(t, svc, "alice", "correct horse", "ACTIVE")
	auth := &Authenticator{Store: s, Tokens: svc, UserRecipe: "userByName"}

	ctx, _ := newTestContext(http.MethodGet, "/x")
	ctx.Request.Header.Set("Authorization", basicAuthHeader("alice", "correct horse"))
	require.NoError(t, auth.Authenticate(ctx))
	require.True(t, ctx.Authenticated)
	require.Equal(t, AuthBasic, ctx.AuthKind)
	require.Equal(t, "alice", ctx.User.Username)
	require.Contains(t, ctx.User.Member, "users")
}

func TestAuthenticateBasicWrongPasswordFails(t *testing.T) {
	svc := newTestTokenService(t)
	s := newTestStoreWithUser(t, svc, "alice", "correct horse", "ACTIVE")
	auth := &Authenticator{Store: s, Tokens: svc, UserRecipe: "userByName"}

	ctx, _ := newTestContext(http.MethodGet, "/x")
	ctx.Request.Header.Set("Authorization", basicAuthHeader("alice", "wrong"))
	err := auth.Authenticate(ctx)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.False(t, ctx.Authenticated)
}

func TestAuthenticateBasicInactiveAccountFails(t *testing.T) {
	svc := newTestTokenService(t)
	s := newTestStoreWithUser(t, svc, "alice", "correct horse", "PENDING")
	auth := &Authenticator{Store: s, Tokens: svc, UserRecipe: "userByName"}

	ctx, _ := newTestContext(http.MethodGet, "/x")
	ctx.Request.Header.Set("Authorization", basicAuthHeader("alice", "correct horse"))
	err := auth.Authenticate(ctx)
	require.Error(t, err)
	require.False(t, ctx.Authenticated)
}

func TestAuthenticateLocksAfterFourFailuresOnFifth(t *testing.T) {
	svc := newTestTokenService(t)
	s := newTestStoreWithUser(t, svc, "alice", "correct horse", "ACTIVE")
	auth := &Authenticator{Store: s, Tokens: svc, UserRecipe: "userByName"}

	for i := 0; i < 4; i++ {
		ctx, _ := newTestContext(http.MethodGet, "/x")
		ctx.Request.Header.Set("Authorization", basicAuthHeader("alice", "wrong"))
		err := auth.Authenticate(ctx)
		require.Error(t, err)
		apiErr, _ := apierr.As(err)
		require.Equal(t, "Authentication failed", apiErr.Error())
	}

	ctx, _ := newTestContext(http.MethodGet, "/x")
	ctx.Request.Header.Set("Authorization", basicAuthHeader("alice", "wrong"))
	err := auth.Authenticate(ctx)
	require.Error(t, err)
	apiErr, _ := apierr.As(err)
	require.Equal(t, "Account locked", apiErr.Error())
}

func TestAuthenticateBearerSuccess(t *testing.T) {
	svc := newTestTokenService(t)
	s := newTestStoreWithUser(t, svc, "alice", "correct horse", "ACTIVE")
	auth := &Authenticator{Store: s, Tokens: svc, UserRecipe: "userByName"}

	token, err := svc.CreateToken(map[string]interface{}{"username": "alice", "member": []string{"users"}}, nil, 0)
	require.NoError(t, err)

	ctx, _ := newTestContext(http.MethodGet, "/x")
	ctx.Request.Header.Set("Authorization", "Bearer "+token)
	require.NoError(t, auth.Authenticate(ctx))
	require.True(t, ctx.Authenticated)
	require.Equal(t, AuthBearer, ctx.AuthKind)
	require.Equal(t, "alice", ctx.User.Username)
}

func TestAuthenticateBearerRejectsTamperedToken(t *testing.T) {
	svc := newTestTokenService(t)
	s := newTestStoreWithUser(t, svc, "alice", "correct horse", "ACTIVE")
	auth := &Authenticator{Store: s, Tokens: svc, UserRecipe: "userByName"}

	token, err := svc.CreateToken(map[string]interface{}{"username": "alice"}, nil, 0)
	require.NoError(t, err)

	ctx, _ := newTestContext(http.MethodGet, "/x")
	ctx.Request.Header.Set("Authorization", "Bearer "+token+"tampered")
	err = auth.Authenticate(ctx)
	require.Error(t, err)
	require.False(t, ctx.Authenticated)
}

func TestAuthenticateUserNeverCarriesCredentials(t *testing.T) {
	svc := newTestTokenService(t)
	s := newTestStoreWithUser(t, svc, "alice", "correct horse", "ACTIVE")
	auth := &Authenticator{Store: s, Tokens: svc, UserRecipe: "userByName"}

	ctx, _ := newTestContext(http.MethodGet, "/x")
	ctx.Request.Header.Set("Authorization", basicAuthHeader("alice", "correct horse"))
	require.NoError(t, auth.Authenticate(ctx))
	require.NotContains(t, ctx.User.Extra, "credentials")
}
