package nativeware

import (
	"encoding/json"
	"net/http"

	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/notify"
	"github.com/r3e-network/siterun/internal/pipeline"
	"github.com/r3e-network/siterun/internal/store"
	"github.com/r3e-network/siterun/internal/tokensvc"
)

// Account implements account middleware, bound to
// /user/:action/:user?/:opt?. GET actions are code/contacts/groups/users/
// names; POST actions are code/<user>/<code> validation, change, and
// groups.
type Account struct {
	Store  *store.Store
	Tokens *tokensvc.Service
	Mailer notify.Mailer
	SMS    notify.SMSSender

	// UserRecipe names the recipe used for both user-by-username lookups
	// and the Modify calls that write credentials/status back.
	UserRecipe string
}

func (a *Account) Handle(ctx *pipeline.Context, next pipeline.Next) (interface{}, error) {
	switch ctx.Request.Method {
	case http.MethodGet:
		return a.handleGet(ctx)
	case http.MethodPost:
		return a.handlePost(ctx)
	default:
		return next()
	}
}

func (a *Account) handleGet(ctx *pipeline.Context) (interface{}, error) {
	switch ctx.Params["action"] {
	case "code":
		return a.issueCode(ctx)
	case "contacts", "groups", "users":
		if !ctx.Authorize("manager") {
			return nil, apierr.Forbidden("requires admin or manager")
		}
		return a.queryRecipe(ctx.Params["action"])
	case "names":
		if !ctx.Authenticated {
			return nil, apierr.Unauthorized("authentication required")
		}
		return a.queryRecipe("names")
	default:
		return nil, apierr.NotFound("unknown account action")
	}
}

func (a *Account) handlePost(ctx *pipeline.Context) (interface{}, error) {
	switch ctx.Params["action"] {
	case "code":
		return a.validateCode(ctx, ctx.Params["user"], ctx.Params["opt"])
	case "change":
		return a.change(ctx, "users", false)
	case "groups":
		if !isAdmin(ctx) {
			return nil, apierr.Forbidden("groups management requires admin")
		}
		return a.change(ctx, "groups", true)
	default:
		return nil, apierr.NotFound("unknown account action")
	}
}

func (a *Account) queryRecipe(name string) (interface{}, error) {
	recipe, ok := a.Store.Lookup(name)
	if !ok {
		return nil, apierr.NotFound("no recipe named " + name)
	}
	return a.Store.Query(recipe, nil), nil
}

func (a *Account) issueCode(ctx *pipeline.Context) (interface{}, error) {
	target := ctx.Params["user"]
	if target == "" {
		if ctx.User == nil {
			return nil, apierr.Unauthorized("authentication required")
		}
		target = ctx.User.Username
	}

	code, err := a.Tokens.GenCode(6, 10, 15)
	if err != nil {
		return nil, apierr.Internal("failed to generate code").WithDetail(err.Error())
	}

	recipe, ok := a.Store.Lookup(a.UserRecipe)
	if !ok {
		return nil, apierr.Internal("no user recipe configured")
	}
	patch, _ := json.Marshal(map[string]interface{}{
		"credentials": map[string]interface{}{
			"passcode": map[string]interface{}{"code": code.Code, "iat": code.IAT, "exp": code.Exp},
		},
	})
	ops, err := a.Store.Modify(recipe, []store.ModifyRequest{{Ref: target, Record: patch}})
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 || ops[0].Op == "bad" {
		return nil, apierr.NotFound("no such user")
	}

	if ctx.Params["opt"] == "mail" {
		if a.Mailer != nil {
			_ = a.Mailer.SendMail(ctx.Request.Context(), []string{target}, "Your login code", code.Code)
		}
	} else if a.SMS != nil {
		_ = a.SMS.SendSMS(ctx.Request.Context(), target, code.Code)
	}

	resp := map[string]interface{}{"ok": true}
	if ctx.Authorize("manager") {
		resp["code"] = code.Code
	}
	return resp, nil
}

func (a *Account) validateCode(ctx *pipeline.Context, user, challenge string) (interface{}, error) {
	record, found := a.lookupUser(user)
	if !found {
		return nil, apierr.NotFound("no such user")
	}
	creds, _ := record["credentials"].(map[string]interface{})
	passcode, _ := creds["passcode"].(map[string]interface{})
	code, _ := passcode["code"].(string)
	stored := tokensvc.Code{Code: code, IAT: toInt64(passcode["iat"]), Exp: toInt64(passcode["exp"])}
	if !a.Tokens.CheckCode(challenge, stored) {
		return nil, apierr.Unauthorized("invalid or expired code")
	}

	status, _ := record["status"].(string)
	if status != "PENDING" {
		return map[string]interface{}{"ok": false}, nil
	}

	recipe, ok := a.Store.Lookup(a.UserRecipe)
	if !ok {
		return nil, apierr.Internal("no user recipe configured")
	}
	patch, _ := json.Marshal(map[string]interface{}{"status": "ACTIVE"})
	if _, err := a.Store.Modify(recipe, []store.ModifyRequest{{Ref: user, Record: patch}}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

// change implements both POST /user/change (collection "users", per-item
// self-or-admin authorization with member/status locked for non-admins and
// password hashed into credentials.hash) and POST /user/groups (collection
// "groups", already gated admin-only by the caller).
func (a *Account) change(ctx *pipeline.Context, collection string, adminOnly bool) (interface{}, error) {
	entries, err := bodyAsModifyRequests(ctx)
	if err != nil {
		return nil, err
	}
	recipe, ok := a.Store.Lookup(collection)
	if !ok {
		return nil, apierr.Internal("no recipe named " + collection)
	}

	if !adminOnly {
		admin := isAdmin(ctx)
		for i := range entries {
			if err := a.authorizeUserChange(ctx, admin, &entries[i]); err != nil {
				return nil, err
			}
		}
	}

	return a.Store.Modify(recipe, entries)
}

func (a *Account) authorizeUserChange(ctx *pipeline.Context, admin bool, e *store.ModifyRequest) error {
	if len(e.Record) == 0 || string(e.Record) == "null" {
		if !admin {
			return apierr.Forbidden("delete requires admin")
		}
		return nil
	}

	var rec map[string]interface{}
	if err := json.Unmarshal(e.Record, &rec); err != nil {
		return apierr.BadRequest("malformed record")
	}

	username, _ := rec["username"].(string)
	self := ctx.User != nil && username == ctx.User.Username
	if !self && !admin {
		return apierr.Forbidden("not allowed to modify this user")
	}
	if !admin {
		delete(rec, "member")
		delete(rec, "status")
	}
	if pw, _ := rec["password"].(string); pw != "" {
		hash, err := a.Tokens.CreatePW(pw)
		if err != nil {
			return apierr.Internal("failed to hash password").WithDetail(err.Error())
		}
		delete(rec, "password")
		rec["credentials"] = map[string]interface{}{"hash": hash}
	}

	patched, err := json.Marshal(rec)
	if err != nil {
		return apierr.Internal("failed to re-encode record").WithDetail(err.Error())
	}
	e.Record = patched
	return nil
}

func (a *Account) lookupUser(username string) (map[string]interface{}, bool) {
	recipe, ok := a.Store.Lookup(a.UserRecipe)
	if !ok {
		return nil, false
	}
	result := a.Store.Query(recipe, map[string]interface{}{"ref": username})
	switch v := result.(type) {
	case []interface{}:
		if len(v) == 0 {
			return nil, false
		}
		rec, ok := v[0].(map[string]interface{})
		return rec, ok
	case map[string]interface{}:
		if len(v) == 0 {
			return nil, false
		}
		return v, true
	default:
		return nil, false
	}
}

func isAdmin(ctx *pipeline.Context) bool {
	if ctx.User == nil {
		return false
	}
	for _, m := range ctx.User.Member {
		if m == "admin" {
			return true
		}
	}
	return false
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

// bodyAsModifyRequests reads the body the pipeline's parser left in
// ctx.State["body"] and decodes it as the {ref, record} list the
// change/groups actions expect.
func bodyAsModifyRequests(ctx *pipeline.Context) ([]store.ModifyRequest, error) {
	raw, ok := ctx.State["body"]
	if !ok {
		return nil, apierr.BadRequest("missing request body")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, apierr.BadRequest("malformed request body")
	}
	var entries []store.ModifyRequest
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, apierr.BadRequest("body must be a list of {ref, record}")
	}
	return entries, nil
}
