package rule

import (
	"regexp"

	"github.com/scrivanolabs/scrivano/internal/record"
)

// placeholderRe matches {field} and {interpretation.key} references inside
// param templates.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_][A-Za-z0-9_.]*)\}`)

// ResolveTemplate substitutes record field placeholders in a param value.
// Placeholders that do not resolve are left in place as literal text, so a
// typo degrades the output instead of failing the rule.
func ResolveTemplate(tmpl string, rec record.Record) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]

		val := rec.Field(name)
		if val.IsNone() {
			return m
		}

		return val.UnwrapOr("")
	})
}

// ResolveParams materializes a spec's params against a record, resolving
// each value as a template.
func ResolveParams(params map[string]string,
	rec record.Record) map[string]string {

	out := make(map[string]string, len(params))
	for key, tmpl := range params {
		out[key] = ResolveTemplate(tmpl, rec)
	}

	return out
}
