package pipeline

import "regexp"

// rewriteURL applies a single {pattern, replace} rule,
// "Rewrite step. Optional list of {pattern, replace} applied in order after
// body parse; a changed URL replaces the parsed pieces and is logged." The
// same rule shape doubles as the error funnel's 404 redirect policy.
func rewriteURL(path string, rule *RedirectRule) (string, bool) {
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return path, false
	}
	if !re.MatchString(path) {
		return path, false
	}
	rewritten := re.ReplaceAllString(path, rule.Replace)
	return rewritten, rewritten != path
}

// ApplyRewrites runs rules in order against ctx.URL.Pathname, replacing the
// parsed pieces on the first rule that matches and logging the change.
func ApplyRewrites(ctx *Context, rules []RedirectRule) {
	for _, rule := range rules {
		if rewritten, changed := rewriteURL(ctx.URL.Pathname, &rule); changed {
			if ctx.Logger != nil {
				ctx.Logger.Debug("url rewritten", map[string]interface{}{
					"from": ctx.URL.Pathname, "to": rewritten,
				})
			}
			ctx.URL.Pathname = rewritten
			return
		}
	}
}
