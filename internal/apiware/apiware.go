// Package apiware implements the recipe-driven middleware bound to the
// `$`/`@`/`!` route prefixes: `$` queries and modifies a named recipe
// against the Store, `@` runs a fixed set of admin/contact actions, and `!`
// reports request and (for `server`-authorized callers) process
// information.
package apiware

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/cache"
	"github.com/r3e-network/siterun/internal/logging"
	"github.com/r3e-network/siterun/internal/notify"
	"github.com/r3e-network/siterun/internal/pipeline"
	"github.com/r3e-network/siterun/internal/stats"
	"github.com/r3e-network/siterun/internal/store"
	"github.com/r3e-network/siterun/internal/tokensvc"
)

// maxGrantExpiry is the 7-day ceiling @grant clamps short-code expiry to.
const maxGrantExpiry = 7 * 24 * 60

// AnalyticsSnapshotter is the read side of NativeWare's Analytics counters.
// ApiWare depends on this interface rather than importing internal/nativeware
// directly, the same back-reference internal/nativeware itself avoids by
// taking no dependency on ApiWare.
type AnalyticsSnapshotter interface {
	Snapshot() map[string]map[string]int64
}

// ApiWare is the `$`/`@`/`!` middleware. Store is the only required
// collaborator: a nil Tokens/Mailer/SMS/Cache/Activity/Analytics/Logger
// simply makes the features that depend on it report less, not panic.
type ApiWare struct {
	Store  *store.Store
	Tokens *tokensvc.Service
	Mailer notify.Mailer
	SMS    notify.SMSSender
	Cache  *cache.Cache
	Logger *logging.Logger

	// Activity records login outcomes (a Proxy records its per-IP probe
	// counts on a Tracker of its own, not this one); Analytics
	// records per-request ip/page/user counters. Both are merged into `!`
	// for server-authorized callers.
	Activity  *stats.Tracker
	Analytics AnalyticsSnapshotter

	// UserRecipe names the recipe @grant/@mail/@text resolve usernames
	// against and write granted passcodes back through.
	UserRecipe string

	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

func (a *ApiWare) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Handle parses the leading path segment into a one-character prefix plus
// recipe/action name and dispatches on it. The router's named-capture
// pattern compiler has no way to express a bare one-character literal like
// `$`/`@`/`!` as its own segment, so this middleware parses
// ctx.URL.Pathname itself, the same hand-rolled per-segment style
// compilePattern uses internally.
func (a *ApiWare) Handle(ctx *pipeline.Context, next pipeline.Next) (interface{}, error) {
	segments := pathSegments(ctx.URL.Pathname)
	if len(segments) == 0 || len(segments[0]) < 2 {
		return next()
	}
	head := segments[0]
	prefix, name := head[:1], head[1:]
	opts := segments[1:]

	switch prefix {
	case "$":
		return a.data(ctx, name, opts)
	case "@":
		return a.action(ctx, name, opts)
	case "!":
		return a.info(ctx, name, opts)
	default:
		return next()
	}
}

func pathSegments(pathname string) []string {
	trimmed := strings.Trim(pathname, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// --- $ (data) ---------------------------------------------------------

func (a *ApiWare) data(ctx *pipeline.Context, name string, opts []string) (interface{}, error) {
	recipe, ok := a.Store.Lookup(name)
	if !ok {
		return nil, apierr.NotFound("no recipe named " + name)
	}
	if len(recipe.Auth) > 0 && !ctx.Authorize(recipe.Auth...) {
		return nil, apierr.Forbidden("requires " + strings.Join(recipe.Auth, " or "))
	}

	switch ctx.Request.Method {
	case "GET":
		return a.Store.Query(recipe, a.bindings(ctx, opts)), nil
	case "POST":
		return a.dataModify(ctx, recipe)
	default:
		return nil, apierr.MethodNotAllowed("$ recipes support GET and POST only")
	}
}

// bindings merges query-string parameters with positional opts (bound as
// opt0, opt1, ...) for recipe.expression to draw on.
func (a *ApiWare) bindings(ctx *pipeline.Context, opts []string) map[string]interface{} {
	bound := map[string]interface{}{}
	for k, v := range ctx.URL.Query {
		if len(v) > 0 {
			bound[k] = v[0]
		}
	}
	for i, o := range opts {
		bound[fmt.Sprintf("opt%d", i)] = o
	}
	return bound
}

// dataModify decodes the body into {ref,record} entries and applies
// recipe.filter to each incoming record before it ever reaches Store.Modify
// — Modify itself has no notion of the read-side filter Query applies
// internally, so the write-side allowlist has to be enforced here.
func (a *ApiWare) dataModify(ctx *pipeline.Context, recipe *store.Recipe) (interface{}, error) {
	entries, err := bodyAsModifyRequests(ctx)
	if err != nil {
		return nil, err
	}
	if len(recipe.Filter) > 0 {
		for i := range entries {
			if len(entries[i].Record) == 0 || string(entries[i].Record) == "null" {
				continue
			}
			var rec interface{}
			if err := json.Unmarshal(entries[i].Record, &rec); err != nil {
				continue
			}
			filtered := store.FilterRecord(rec, recipe.Filter)
			data, err := json.Marshal(filtered)
			if err != nil {
				continue
			}
			entries[i].Record = data
		}
	}
	return a.Store.Modify(recipe, entries)
}

// bodyAsModifyRequests reads the body the pipeline's BodyParse step left in
// ctx.State["body"] and decodes it as a {ref, record} list, the same body
// shape NativeWare's Account middleware expects.
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
		return nil, apierr.BadRequest("body must be an array of {ref, record} objects")
	}
	return entries, nil
}

// --- @ (actions) --------------------------------------------------------

func (a *ApiWare) action(ctx *pipeline.Context, name string, opts []string) (interface{}, error) {
	if name != "twilio" && ctx.Request.Method != "POST" {
		return nil, apierr.MethodNotAllowed("@ actions are POST only")
	}
	switch name {
	case "grant":
		return a.actionGrant(ctx, opts)
	case "scribe":
		return a.actionScribe(ctx)
	case "mail":
		return a.actionDispatch(ctx, true)
	case "text":
		return a.actionDispatch(ctx, false)
	case "twilio":
		return a.actionTwilio(ctx, opts)
	default:
		return nil, apierr.NotFound("unknown action " + name)
	}
}

// actionGrant implements @grant: admin/grant only; for each listed user,
// mint a login short-code, write it under credentials.passcode, and
// dispatch it by SMS (default) or email (mail opt). A per-user ok/fail
// report is returned instead of failing the whole request on one bad
// username, since callers typically grant a batch at once.
func (a *ApiWare) actionGrant(ctx *pipeline.Context, opts []string) (interface{}, error) {
	if !ctx.Authorize("grant") {
		return nil, apierr.Forbidden("requires admin or grant")
	}
	if a.Tokens == nil {
		return nil, apierr.Internal("no token service configured")
	}
	raw, ok := ctx.State["body"]
	if !ok {
		return nil, apierr.BadRequest("missing request body")
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, apierr.BadRequest("body must be an array of usernames")
	}
	mailOpt := false
	for _, o := range opts {
		if o == "mail" {
			mailOpt = true
		}
	}
	expMin := maxGrantExpiry
	if v := ctx.URL.Query.Get("exp"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			expMin = n
		}
	}
	if expMin <= 0 || expMin > maxGrantExpiry {
		expMin = maxGrantExpiry
	}

	recipe, ok := a.Store.Lookup(a.UserRecipe)
	if !ok {
		return nil, apierr.Internal("no user recipe configured")
	}

	report := map[string]bool{}
	for _, item := range list {
		username, ok := item.(string)
		if !ok || username == "" {
			continue
		}
		report[username] = a.grantOne(ctx, recipe, username, mailOpt, expMin)
	}
	return map[string]interface{}{"report": report}, nil
}

func (a *ApiWare) grantOne(ctx *pipeline.Context, recipe *store.Recipe, username string, mailOpt bool, expMin int) bool {
	code, err := a.Tokens.GenCode(6, 10, expMin)
	if err != nil {
		return false
	}
	patch, err := json.Marshal(map[string]interface{}{
		"credentials": map[string]interface{}{
			"passcode": map[string]interface{}{"code": code.Code, "iat": code.IAT, "exp": code.Exp},
		},
	})
	if err != nil {
		return false
	}
	ops, err := a.Store.Modify(recipe, []store.ModifyRequest{{Ref: username, Record: patch}})
	if err != nil || len(ops) == 0 || ops[0].Op == "bad" || ops[0].Op == "nop" {
		return false
	}

	if mailOpt {
		if a.Mailer == nil {
			return true
		}
		_ = a.Mailer.SendMail(ctx.Request.Context(), []string{username}, "Access granted", code.Code)
	} else if a.SMS != nil {
		_ = a.SMS.SendSMS(ctx.Request.Context(), username, code.Code)
	}
	return true
}

// actionScribe implements @scribe: admin/server; a body carrying {"mask":n}
// sets the live verbosity mask, otherwise the current mask is reported.
func (a *ApiWare) actionScribe(ctx *pipeline.Context) (interface{}, error) {
	if !ctx.Authorize("server") {
		return nil, apierr.Forbidden("requires admin or server")
	}
	if a.Logger == nil {
		return nil, apierr.Internal("no logger configured")
	}
	if raw, ok := ctx.State["body"]; ok {
		if m, ok := raw.(map[string]interface{}); ok {
			if v, ok := m["mask"]; ok {
				mask := toInt(v)
				a.Logger.SetScribeLevel(mask)
				return map[string]interface{}{"mask": mask}, nil
			}
		}
	}
	return map[string]interface{}{"mask": a.Logger.ScribeLevel()}, nil
}

// actionDispatch implements @mail/@text: requires contact permission,
// translates usernames in to/cc/bcc/from against the users collection, and
// dispatches through the Mailer or SMSSender collaborator.
func (a *ApiWare) actionDispatch(ctx *pipeline.Context, mail bool) (interface{}, error) {
	if !ctx.Authorize("contact") {
		return nil, apierr.Forbidden("requires admin or contact")
	}
	raw, ok := ctx.State["body"]
	if !ok {
		return nil, apierr.BadRequest("missing request body")
	}
	body, ok := raw.(map[string]interface{})
	if !ok {
		return nil, apierr.BadRequest("malformed request body")
	}

	to := a.translateContacts(stringList(body["to"]))
	cc := a.translateContacts(stringList(body["cc"]))
	bcc := a.translateContacts(stringList(body["bcc"]))
	recipients := append(append(append([]string{}, to...), cc...), bcc...)
	if len(recipients) == 0 {
		return nil, apierr.BadRequest("no recipients")
	}
	subject, _ := body["subject"].(string)
	text, _ := body["body"].(string)

	var err error
	if mail {
		if a.Mailer == nil {
			return nil, apierr.Internal("no mailer configured")
		}
		err = a.Mailer.SendMail(ctx.Request.Context(), recipients, subject, text)
	} else {
		if a.SMS == nil {
			return nil, apierr.Internal("no sms sender configured")
		}
		for _, r := range recipients {
			if sendErr := a.SMS.SendSMS(ctx.Request.Context(), r, text); sendErr != nil {
				err = sendErr
			}
		}
	}

	report := map[string]interface{}{"sent": err == nil, "count": len(recipients)}
	if err != nil {
		report["error"] = err.Error()
	}
	return report, nil
}

// translateContacts resolves each entry against the users collection,
// leaving entries that already look like a contact address (containing an
// "@" or a leading "+") untouched.
func (a *ApiWare) translateContacts(usernames []string) []string {
	recipe, hasRecipe := a.Store.Lookup(a.UserRecipe)
	out := make([]string, 0, len(usernames))
	for _, u := range usernames {
		if u == "" {
			continue
		}
		if strings.ContainsAny(u, "@+") || !hasRecipe {
			out = append(out, u)
			continue
		}
		result := a.Store.Query(recipe, map[string]interface{}{"ref": u})
		if rec := firstRecord(result); rec != nil {
			if contact, ok := rec["contact"].(string); ok && contact != "" {
				out = append(out, contact)
				continue
			}
		}
		out = append(out, u)
	}
	return out
}

func firstRecord(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return nil
		}
		return t
	case []interface{}:
		if len(t) == 0 {
			return nil
		}
		rec, _ := t[0].(map[string]interface{})
		return rec
	default:
		return nil
	}
}

func stringList(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// actionTwilio implements the @twilio webhook: opts[0] distinguishes the
// callback kind Twilio posts to. Unless it is exactly "status", the canned
// "no replies accepted" TwiML is returned. A status callback reporting
// MessageStatus=undelivered is warn-logged and triggers a best-effort
// callback SMS to the configured admin number (opts[1]); every case ends in
// an empty TwiML response since Twilio only inspects the XML shape.
func (a *ApiWare) actionTwilio(ctx *pipeline.Context, opts []string) (interface{}, error) {
	const noReplyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Message>This number does not accept replies.</Message></Response>`
	const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

	if len(opts) == 0 || opts[0] != "status" {
		return a.twimlResponse(noReplyTwiML), nil
	}

	if ctx.Request.FormValue("MessageStatus") == "undelivered" {
		if a.Logger != nil {
			a.Logger.Warn("twilio delivery failed", map[string]interface{}{
				"to":     ctx.Request.FormValue("To"),
				"sid":    ctx.Request.FormValue("MessageSid"),
				"status": "undelivered",
			})
		}
		if a.SMS != nil && len(opts) > 1 && opts[1] != "" {
			_ = a.SMS.SendSMS(ctx.Request.Context(), opts[1], "sms delivery failed to "+ctx.Request.FormValue("To"))
		}
	}
	return a.twimlResponse(emptyTwiML), nil
}

func (a *ApiWare) twimlResponse(body string) *pipeline.Response {
	return &pipeline.Response{
		Status:  200,
		Headers: map[string]string{"Content-Type": "text/xml; charset=utf-8"},
		Body:    []byte(body),
	}
}

// --- ! (info) -----------------------------------------------------------

// info implements `!`: always returns the caller's IP/port and the current
// date; a server-authorized caller additionally gets activity/analytics/
// cache/store statistics merged in. The special "iot" recipe name returns a
// minimal {ip,time,iso} shape instead, for constrained callers that don't
// need the full payload.
func (a *ApiWare) info(ctx *pipeline.Context, name string, opts []string) (interface{}, error) {
	if ctx.Request.Method != "GET" {
		return nil, apierr.MethodNotAllowed("! info is GET only")
	}
	now := a.now()

	if name == "iot" {
		return map[string]interface{}{
			"ip":   ctx.RemoteIP,
			"time": now.Unix(),
			"iso":  now.UTC().Format(time.RFC3339),
		}, nil
	}

	result := map[string]interface{}{
		"ip":   ipInfo(ctx.RemoteIP, ctx.RemotePort),
		"date": dateInfo(now),
	}
	if !ctx.Authorize("server") {
		return result, nil
	}

	if a.Activity != nil {
		blacklist, history := a.Activity.Snapshot()
		result["blacklist"] = blacklist
		result["logins"] = history
	}
	if a.Analytics != nil {
		result["analytics"] = a.Analytics.Snapshot()
	}
	if a.Cache != nil {
		result["cacheEntries"] = a.Cache.Len()
	}
	result["storeDirty"] = a.Store.Dirty()
	return result, nil
}

func ipInfo(ip, port string) map[string]interface{} {
	info := map[string]interface{}{"raw": ip, "port": port}
	parsed := net.ParseIP(ip)
	switch {
	case parsed == nil:
	case parsed.To4() != nil:
		info["v4"] = parsed.String()
	default:
		info["v6"] = parsed.String()
	}
	return info
}

func dateInfo(t time.Time) map[string]interface{} {
	return map[string]interface{}{
		"unix": t.Unix(),
		"iso":  t.UTC().Format(time.RFC3339),
	}
}
